package embedder

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// knownChatModelFragments identify chat/completion models which are not
// suitable for embedding.
var knownChatModelFragments = []string{
	"gpt-4",
	"gpt-3.5",
	"gpt-35",
	"o1",
	"o3",
	"llama3",
	"llama-3",
	"llama-4",
	"mistral",
	"mixtral",
	"gemma",
	"claude",
	"gemini-1",
	"deepseek",
	"qwen",
}

// looksLikeChatModel returns true when the model name resembles a known
// chat/completion model rather than a dedicated embedding model.
func looksLikeChatModel(model string) bool {
	lower := strings.ToLower(model)
	if strings.Contains(lower, "embed") {
		return false
	}
	for _, frag := range knownChatModelFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// ValidateForRAG is a pre-flight check run before the vector store is built.
// It returns an error when the embedding configuration is clearly broken and
// logs a warning when EMBEDDING_MODEL looks like a chat model.
func ValidateForRAG(log *slog.Logger) error {
	backend := ResolveBackend()

	switch backend {
	case "ollama":
		if os.Getenv("EMBEDDING_PROVIDER") == "" {
			log.Info("embedder: no OpenAI key found, embedding with local ollama",
				slog.String("hint", "set EMBEDDING_PROVIDER=openai or OPENAI_API_KEY for hosted embeddings"),
			)
		}
	case "openai":
		if firstNonEmpty(os.Getenv("EMBEDDING_API_KEY"), os.Getenv("OPENAI_API_KEY")) == "" {
			return fmt.Errorf("embedder: no OpenAI API key found: set OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
	case "azure":
		if firstNonEmpty(os.Getenv("EMBEDDING_API_KEY"), os.Getenv("AZURE_OPENAI_API_KEY")) == "" {
			return fmt.Errorf("embedder: no Azure API key found: set AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		if firstNonEmpty(os.Getenv("EMBEDDING_ENDPOINT"), os.Getenv("AZURE_OPENAI_ENDPOINT")) == "" {
			return fmt.Errorf("embedder: no Azure endpoint found: set AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
	default:
		return fmt.Errorf("embedder: unknown EMBEDDING_PROVIDER %q: set it to ollama, openai, or azure", backend)
	}

	if model := os.Getenv("EMBEDDING_MODEL"); model != "" && looksLikeChatModel(model) {
		log.Warn("embedder: EMBEDDING_MODEL looks like a chat model, embeddings will likely be poor",
			slog.String("model", model),
			slog.String("hint", "use a dedicated embedding model e.g. nomic-embed-text, text-embedding-3-small"),
		)
	}
	return nil
}

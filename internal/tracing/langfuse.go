// Package tracing wires optional Langfuse tracing into eino chat model calls.
package tracing

import (
	"context"
	"log/slog"
	"os"

	"github.com/cloudwego/eino-ext/callbacks/langfuse"
	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
)

// Setup initialises the Langfuse callback handler if LANGFUSE_PUBLIC_KEY and
// LANGFUSE_SECRET_KEY are set and registers it as a global eino handler.
// The returned flush function must be called before process exit so queued
// traces are sent; it is a no-op when tracing is disabled.
func Setup(log *slog.Logger) (flush func(), enabled bool) {
	host := os.Getenv("LANGFUSE_HOST")
	publicKey := os.Getenv("LANGFUSE_PUBLIC_KEY")
	secretKey := os.Getenv("LANGFUSE_SECRET_KEY")

	if publicKey == "" || secretKey == "" {
		log.Debug("tracing: langfuse not configured")
		return func() {}, false
	}
	if host == "" {
		host = "https://cloud.langfuse.com"
	}

	handler, flusher := langfuse.NewLangfuseHandler(&langfuse.Config{
		Host:      host,
		PublicKey: publicKey,
		SecretKey: secretKey,
		Name:      "firestarter",
	})
	callbacks.AppendGlobalHandlers(handler)

	log.Info("tracing: langfuse enabled", slog.String("host", host))
	return flusher, true
}

// StartChat returns a context carrying the eino callback manager for one chat
// model invocation, so global handlers registered by Setup observe it.
// Backends that do not emit callbacks themselves are unaffected.
func StartChat(ctx context.Context, namespace, backend string) context.Context {
	return callbacks.InitCallbacks(ctx, &callbacks.RunInfo{
		Name:      "firestarter:" + namespace,
		Type:      backend,
		Component: components.ComponentOfChatModel,
	})
}

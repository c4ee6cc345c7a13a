package main

import (
	"context"
	"log"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-monolith/mono"

	"github.com/example/realtime-chat/modules/api"
	"github.com/example/realtime-chat/modules/directory"
	"github.com/example/realtime-chat/modules/push"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log.Println("=== Realtime Chat - group routing authority ===")

	app, err := mono.NewMonoApplication(
		mono.WithShutdownTimeout(shutdownTimeout),
		mono.WithLogLevel(mono.LogLevelInfo),
		mono.WithLogFormat(mono.LogFormatText),
	)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	directoryModule := directory.NewModule()
	pushModule := push.NewModule()
	apiModule := api.NewModule()

	// Inject the registry and router into the gateway. Done manually because
	// they are not exposed via ServiceContainer.
	apiModule.SetPush(pushModule.Registry(), pushModule.Router())

	// Register modules with the framework.
	// Order: independent modules first, then modules with dependencies
	// - directory: entity authority (ServiceProviderModule + EventEmitterModule)
	// - push: registry + router fan-out (EventConsumerModule)
	// - api: websocket gateway (depends on directory)
	app.Register(directoryModule)
	app.Register(pushModule)
	app.Register(apiModule)

	if err := app.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	printStartupInfo()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"mono-app": func(ctx context.Context) error {
				log.Println("Graceful shutdown initiated...")
				return app.Stop(ctx)
			},
		},
	)

	exitCode := <-wait
	log.Printf("Application exited with code: %d", exitCode)
	os.Exit(exitCode)
}

func printStartupInfo() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3000"
	}

	log.Println("")
	log.Println("Application started successfully!")
	log.Println("")
	log.Printf("WebSocket endpoint (ws://localhost:%s/ws):", port)
	log.Printf("  Connect with: ws://localhost:%s/ws?username=yourname", port)
	log.Println("  RPC frames: join_chat, leave_chat, send_message, create_chat")
	log.Println("  Push frames: receive_message, chat_created, chat_updated, user_joined, user_left")
	log.Println("")
	log.Printf("REST endpoints (http://localhost:%s):", port)
	log.Println("  GET /health                    - Health check")
	log.Println("  GET /api/v1/chats              - List chats")
	log.Println("  GET /api/v1/chats/:id/history  - Recent message history")
	log.Println("")
	log.Println("Press Ctrl+C to shutdown gracefully")
}

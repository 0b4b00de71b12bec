package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiesman99/numpng/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const version = "1.0.0"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server that re-encodes elevation tiles",
	Long: `Start an HTTP server that serves re-encoded elevation tiles.

Tiles are addressed either by z/x/y against a configured URL template or by
passing a scheme-tagged URL to the proxy endpoint.

Examples:
  # Start server on default port 8080
  numpng serve --template numpng://tiles.example.com/{z}/{x}/{y}.png

  # Fetch a tile
  curl http://localhost:8080/api/v1/tiles/numpng/14/14552/6451.png -o tile.png

  # Proxy an arbitrary URL
  curl 'http://localhost:8080/api/v1/proxy?url=numpng://tiles.example.com/1/2/3.png' -o tile.png`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server configuration
	serveCmd.Flags().StringP("bind", "b", "localhost", "bind address")
	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	serveCmd.Flags().Duration("timeout", 30*time.Second, "request timeout")
	serveCmd.Flags().String("template", "", "tile URL template for the primary scheme, e.g. numpng://host/{z}/{x}/{y}.png")

	// Bind flags to viper
	viper.BindPFlag("server.bind", serveCmd.Flags().Lookup("bind"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.timeout", serveCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("protocol.template", serveCmd.Flags().Lookup("template"))
}

func runServe(cmd *cobra.Command, args []string) error {
	bind := viper.GetString("server.bind")
	port := viper.GetInt("server.port")
	timeout := viper.GetDuration("server.timeout")

	addr := fmt.Sprintf("%s:%d", bind, port)

	registry, templates, err := loadRegistry()
	if err != nil {
		return err
	}

	apiServer := server.NewServer(version, registry, templates)
	r := server.NewRouter(apiServer, timeout)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		fmt.Fprintf(cmd.ErrOrStderr(), "\nShutting down server...\n")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	fmt.Fprintf(cmd.ErrOrStderr(), "Starting numpng server on %s\n", addr)
	fmt.Fprintf(cmd.ErrOrStderr(), "Schemes: %v\n", registry.Schemes())
	fmt.Fprintf(cmd.ErrOrStderr(), "Health check: http://%s/api/v1/health\n", addr)
	for scheme := range templates {
		fmt.Fprintf(cmd.ErrOrStderr(), "Tile endpoint: http://%s/api/v1/tiles/%s/{z}/{x}/{y}.png\n", addr, scheme)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Proxy endpoint: http://%s/api/v1/proxy?url=<scheme>://...\n", addr)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %v", err)
	}

	return nil
}

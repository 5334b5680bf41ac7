package config_test

import (
	"fmt"
	"log"

	"github.com/fluentloop/synapse/internal/config"
)

// ExampleLoadFromPath demonstrates loading config from a specific path.
func ExampleLoadFromPath() {
	cfg, err := config.LoadFromPath("/tmp/synapse-example/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	fmt.Printf("Listening on %s\n", cfg.ListenAddr())
	fmt.Printf("Data plane: %s\n", cfg.Data.URL)
	// Output:
	// Listening on 0.0.0.0:8100
	// Data plane: http://127.0.0.1:3000
}

// ExampleConfig_Validate demonstrates configuration validation.
func ExampleConfig_Validate() {
	cfg := config.Default()
	cfg.Router.Decay = 2.0

	if err := cfg.Validate(); err != nil {
		fmt.Println("invalid config")
	}
	// Output:
	// invalid config
}

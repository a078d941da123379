// Package config handles loading and validating panel core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Loading broker credentials from an optional .env file
//   - Overriding with PANEL_* environment variables
//   - Validation of required fields
//
// Security Considerations:
//   - Broker credentials should be set via environment variables or .env, never YAML
//   - The .env file should have restricted permissions (0600)
//
// Usage:
//
//	if err := config.LoadDotEnv(".env"); err != nil {
//	    log.Fatal(err)
//	}
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.BrokerAddress())
package config

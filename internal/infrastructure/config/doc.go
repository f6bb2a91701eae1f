// Package config handles loading and validating Gira BLE core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with GIRABLE_* environment variables
//   - Validation of required fields, collecting every problem at once
//   - Default value handling
//
// Security Considerations:
//   - Secrets (MQTT password, InfluxDB token, JWT secret) belong in environment variables
//   - The config file should have restricted permissions (0600)
//   - API keys are stored as Argon2id hashes, never in plain text
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.BLE.Transport)
package config

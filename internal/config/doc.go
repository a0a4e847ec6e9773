// Package config loads the server configuration.
//
// Values are layered in order of increasing precedence:
//
//	1. Default()
//	2. a YAML file (LICENSOR_CONFIG_FILE, ./licensor.yaml, ./configs/licensor.yaml, /etc/licensor/licensor.yaml)
//	3. environment variables prefixed with LICENSOR_
//
// Nested sections map to underscored names:
//
//	LICENSOR_SERVER_PORT=8443
//	LICENSOR_STORAGE_DRIVER=postgres
//	LICENSOR_STORAGE_POSTGRES_DSN=postgres://licensor@db/licensor
//	LICENSOR_AUDIT_DRIVER=mongo
//	LICENSOR_SECURITY_ADMIN_TOKEN_HASH='$2a$10$...'
//
// Paths resolves every persisted file (license table, code table, rules,
// rules history, activation log, keypair, signed artifacts) under DataDir.
package config

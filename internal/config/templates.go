package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "keychain":
		return keychainTemplate, nil
	case "sim":
		return simulatorTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const keychainTemplate = `# port wins over addr when both are set
port = "/dev/ttyUSB0"
baud_rate = 115200
addr = "127.0.0.1:7070"
exchange_timeout = "10s"
confirm_timeout = "2m"
verify_signatures = true
max_artifact_bytes = 8388608
cache_dir = ".keychainctl"
status_url = "ws://keychain.local:8080/"
device_url = "http://keychain.local:8080"
log_level = "info"
`

const simulatorTemplate = `link_addr = "127.0.0.1:7070"
http_addr = "127.0.0.1:8080"
slots = 5
chunk_size = 64
noise = ["[boot] keychain ready"]
high_s = false
status_interval = "50ms"
cors_origins = ["http://localhost:5173"]
artifact_path = ""
generate = [0]
log_level = "debug"
`

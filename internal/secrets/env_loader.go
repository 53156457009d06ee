package secrets

import "os"

// DefaultKeys are the environment variables the server loads into its vault
// at startup.
var DefaultKeys = []string{
	"DEVGODZILLA_API_TOKEN",
	"DEVGODZILLA_WEBHOOK_TOKEN",
	"DEVGODZILLA_WINDMILL_TOKEN",
	"DEVGODZILLA_NATS_CREDS",
}

// EnvLoader returns a Loader that reads the specified environment
// variables. Missing variables are silently omitted from the result map.
func EnvLoader(keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}

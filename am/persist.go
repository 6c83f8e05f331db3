package am

import (
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/teranos/episodic/errors"
)

// redactedKeys are never rendered in clear text
var redactedKeys = map[string][]string{
	"database": {"dsn"},
	"workflow": {"api_key"},
	"server":   {"callback_token"},
	"redis":    {"password"},
}

// Render returns the effective configuration as TOML with secrets redacted.
// Used by `episodic am show`.
func Render(v *viper.Viper) ([]byte, error) {
	settings := v.AllSettings()

	for section, keys := range redactedKeys {
		m, ok := settings[section].(map[string]interface{})
		if !ok {
			continue
		}
		for _, key := range keys {
			if s, ok := m[key].(string); ok && s != "" {
				m[key] = "********"
			}
		}
	}

	out, err := toml.Marshal(settings)
	if err != nil {
		return nil, errors.Wrap(err, "failed to render config as TOML")
	}
	return out, nil
}

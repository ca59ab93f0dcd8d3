package config

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrSettingsNotFound is returned when the settings file does not exist.
var ErrSettingsNotFound = errors.New("settings file not found")

// Settings holds connection defaults. YAML is the native format; since JSON
// is a subset of YAML an appsettings.json with the same keys also works.
type Settings struct {
	Server   string `yaml:"server"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// LoadSettings reads and decodes path with readFile.
func LoadSettings(path string, readFile func(string) ([]byte, error)) (Settings, error) {
	if readFile == nil {
		readFile = os.ReadFile
	}
	data, err := readFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Settings{}, errors.Mark(errors.Wrapf(err, "settings %s", path), ErrSettingsNotFound)
		}
		return Settings{}, errors.Wrapf(err, "read settings %s", path)
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, errors.Wrapf(err, "decode settings %s", path)
	}
	return s, nil
}

// LoadDotEnv loads .env from the working directory into the process
// environment without overriding variables that are already set. A missing
// file is ignored.
func LoadDotEnv() {
	_ = godotenv.Load()
}

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models focuslock.yml: the authorization catalog and enforcement
// limits. The whitelist itself lives in the database; this file defines the
// fixed rule sets the whitelist can never override.
type Config struct {
	Enforcement struct {
		SelfPackage         string `yaml:"self_package"`
		MaxWhitelistedApps  int    `yaml:"max_whitelisted_apps"`
		DebounceSeconds     int    `yaml:"debounce_seconds"`
		RelaunchGateSeconds int    `yaml:"relaunch_gate_seconds"`
	} `yaml:"enforcement"`
	Authorization struct {
		SecurityRisk    []string `yaml:"security_risk"`
		EssentialSystem []string `yaml:"essential_system"`
		DefaultApps     map[string]struct {
			Package     string `yaml:"package"`
			Description string `yaml:"description"`
		} `yaml:"default_apps"`
		SupportingServices map[string][]string `yaml:"supporting_services"`
	} `yaml:"authorization"`
	Delivery struct {
		WebhookURL     string `yaml:"webhook_url"`
		Secret         string `yaml:"secret"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"delivery"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with fl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Enforcement.SelfPackage == "" {
		return fmt.Errorf("config.enforcement.self_package is required")
	}
	if c.Enforcement.MaxWhitelistedApps <= 0 {
		return fmt.Errorf("config.enforcement.max_whitelisted_apps must be positive")
	}
	for _, pkg := range c.Authorization.SecurityRisk {
		if pkg == "" {
			return fmt.Errorf("config.authorization.security_risk contains empty package id")
		}
	}
	for _, pkg := range c.Authorization.EssentialSystem {
		if pkg == "" {
			return fmt.Errorf("config.authorization.essential_system contains empty package id")
		}
	}
	for name, app := range c.Authorization.DefaultApps {
		if name == "" {
			return fmt.Errorf("config.authorization.default_apps contains empty app name")
		}
		if app.Package == "" {
			return fmt.Errorf("default app %s has no package id", name)
		}
	}
	for pkg, services := range c.Authorization.SupportingServices {
		if pkg == "" {
			return fmt.Errorf("config.authorization.supporting_services has empty key")
		}
		for _, svc := range services {
			if svc == "" {
				return fmt.Errorf("supporting services for %s contain empty package id", pkg)
			}
		}
	}
	return nil
}

// DefaultAppPackages returns the package ids of the default-app catalog.
func (c *Config) DefaultAppPackages() []string {
	pkgs := make([]string, 0, len(c.Authorization.DefaultApps))
	for _, app := range c.Authorization.DefaultApps {
		pkgs = append(pkgs, app.Package)
	}
	return pkgs
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "focuslock.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `enforcement:
  self_package: dev.focuslock.app
  max_whitelisted_apps: 8
  debounce_seconds: 2
  relaunch_gate_seconds: 2

authorization:
  # Packages that can defeat enforcement. Blocked even when whitelisted.
  security_risk:
    - com.android.settings
    - com.android.launcher
    - com.google.android.apps.nexuslauncher
    - com.android.packageinstaller

  # Always allowed; the device is unusable without them.
  essential_system:
    - com.android.systemui
    - com.android.keyguard
    - com.android.phone
    - com.android.server.telecom
    - com.google.android.inputmethod.latin
    - com.android.emergency
    - com.android.camera.emergency

  default_apps:
    dialer:
      package: com.android.dialer
      description: "Phone app, reachable during a session"
    clock:
      package: com.android.deskclock
      description: "Alarms keep working"
    calendar:
      package: com.android.calendar
      description: "Upcoming appointments stay visible"

  # Services a whitelisted app transitively needs.
  supporting_services:
    com.android.dialer:
      - com.android.server.telecom
      - com.android.incallui
    com.android.deskclock:
      - com.android.alarmclock

delivery:
  webhook_url: ""
  secret: ""
  timeout_seconds: 5
`

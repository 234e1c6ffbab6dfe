package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/pm-dashboard/internal/provider"
)

// App is one backend application the dashboard can generate with.
type App struct {
	Name      string           `yaml:"-"`
	Title     string           `yaml:"title"`
	Variant   provider.Variant `yaml:"variant"`
	BaseURL   string           `yaml:"base_url"`
	APIKey    string           `yaml:"api_key"`
	APIKeyEnv string           `yaml:"api_key_env"`
	// QuerySlot and Inputs apply to workflow apps: the input slot that
	// receives the query and the slots that must be filled.
	QuerySlot string   `yaml:"query_slot"`
	Inputs    []string `yaml:"inputs"`
}

func (a App) Configured() bool {
	return a.BaseURL != "" && a.APIKey != ""
}

func (a App) Target() provider.Target {
	return provider.Target{BaseURL: a.BaseURL, APIKey: a.APIKey}
}

// DefaultApps returns the four built-in applications. Keys are read from
// the environment by Load.
func DefaultApps(baseURL string) map[string]App {
	apps := []App{
		{Name: "user-story", Title: "User Story Generator", Variant: provider.VariantWorkflow, APIKeyEnv: "USER_STORY_API_KEY", QuerySlot: "feature", Inputs: []string{"feature"}},
		{Name: "user-manual", Title: "User Manual Generator", Variant: provider.VariantWorkflow, APIKeyEnv: "USER_MANUAL_API_KEY", QuerySlot: "feature", Inputs: []string{"feature"}},
		{Name: "requirement-analyzer", Title: "Requirement Analyzer", Variant: provider.VariantChat, APIKeyEnv: "REQUIREMENT_ANALYZER_API_KEY"},
		{Name: "ux-prompt", Title: "UX Prompt Generator", Variant: provider.VariantChat, APIKeyEnv: "UX_PROMPT_API_KEY"},
	}

	out := make(map[string]App, len(apps))
	for _, a := range apps {
		a.BaseURL = baseURL
		out[a.Name] = a
	}
	return out
}

type appsFile struct {
	Apps map[string]App `yaml:"apps"`
}

// MergeApps overlays the YAML document data onto apps. Entries replace
// built-ins of the same name field by field; unknown names are added.
func MergeApps(apps map[string]App, data []byte, baseURL string) error {
	var f appsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing apps: %w", err)
	}

	for name, o := range f.Apps {
		a, ok := apps[name]
		if !ok {
			a = App{Name: name, BaseURL: baseURL, Variant: provider.VariantChat}
		}
		if o.Title != "" {
			a.Title = o.Title
		}
		if o.Variant != "" {
			a.Variant = o.Variant
		}
		if o.BaseURL != "" {
			a.BaseURL = o.BaseURL
		}
		if o.APIKey != "" {
			a.APIKey = o.APIKey
		}
		if o.APIKeyEnv != "" {
			a.APIKeyEnv = o.APIKeyEnv
		}
		if o.QuerySlot != "" {
			a.QuerySlot = o.QuerySlot
		}
		if o.Inputs != nil {
			a.Inputs = o.Inputs
		}

		if a.Variant != provider.VariantChat && a.Variant != provider.VariantWorkflow {
			return fmt.Errorf("app %s: unknown variant %q", name, a.Variant)
		}
		apps[name] = a
	}
	return nil
}

func resolveKeys(apps map[string]App) {
	for name, a := range apps {
		if a.APIKey == "" && a.APIKeyEnv != "" {
			a.APIKey = os.Getenv(a.APIKeyEnv)
			apps[name] = a
		}
	}
}

package pool

import (
	"embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var profilesFS embed.FS

// DefaultProfile is used when a dispatch request names no profile.
const DefaultProfile = "default"

// Profile is one task specialization: the system prompt the forked agent
// runs under and the tool subset it may call.
type Profile struct {
	Name             string   `yaml:"-"`
	SystemPrompt     string   `yaml:"systemPrompt"`
	DefaultObjective string   `yaml:"defaultObjective"`
	AllowedTools     []string `yaml:"allowedTools"`
}

// profilesConfig is the structure of the profiles.yaml file.
type profilesConfig struct {
	Version  int                 `yaml:"version"`
	Profiles map[string]*Profile `yaml:"profiles"`
}

// ProfileSet is the closed set of task profiles.
type ProfileSet struct {
	profiles map[string]*Profile
}

// LoadProfiles parses the embedded profile configuration.
func LoadProfiles() (*ProfileSet, error) {
	data, err := profilesFS.ReadFile("profiles.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded profiles: %w", err)
	}

	var cfg profilesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse profiles: %w", err)
	}
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("no profiles defined")
	}
	if _, ok := cfg.Profiles[DefaultProfile]; !ok {
		return nil, fmt.Errorf("profile %q is required", DefaultProfile)
	}

	for name, p := range cfg.Profiles {
		if p == nil || p.SystemPrompt == "" {
			return nil, fmt.Errorf("profile %q has no system prompt", name)
		}
		p.Name = name
	}

	return &ProfileSet{profiles: cfg.Profiles}, nil
}

// Get returns the named profile. An empty name selects the default profile;
// an unknown name is an error, the set is closed.
func (s *ProfileSet) Get(name string) (*Profile, error) {
	if name == "" {
		name = DefaultProfile
	}
	p, ok := s.profiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown task profile %q", name)
	}
	return p, nil
}

// Names returns the profile names in sorted order.
func (s *ProfileSet) Names() []string {
	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

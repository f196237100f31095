// Package persona loads the character definition and serves
// context-conditioned snippets of it: extended background facts and
// speech-style guidance keyed by emotion, relation and scene.
package persona

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ContextualStyles holds speech-style guidance per context axis. Combos
// are keyed "emotion|relation|scene" and win over the single axes.
type ContextualStyles struct {
	Emotions  map[string]string `yaml:"emotions"`
	Relations map[string]string `yaml:"relations"`
	Scenes    map[string]string `yaml:"scenes"`
	Combos    map[string]string `yaml:"combos"`
}

// Config is the persona file: a core prompt, a nested background
// section, and contextual speech styles.
type Config struct {
	CorePrompt string                                  `yaml:"core_prompt"`
	Extended   map[string]map[string]map[string]string `yaml:"extended"`
	Styles     ContextualStyles                        `yaml:"contextual_styles"`
}

// LoadConfig reads and parses the persona YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read persona file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse persona file: %w", err)
	}
	if cfg.CorePrompt == "" {
		return nil, fmt.Errorf("persona file %s has no core_prompt", path)
	}
	return &cfg, nil
}

// FlattenExtended renders the nested background section into indexable
// lines, "<category> - <sub> - <key>: <value>". Order is deterministic
// so rebuilds produce identical ids.
func (c *Config) FlattenExtended() []string {
	var lines []string
	for _, cat := range sortedKeys(c.Extended) {
		subs := c.Extended[cat]
		for _, sub := range sortedKeys(subs) {
			kv := subs[sub]
			for _, key := range sortedKeys(kv) {
				lines = append(lines, fmt.Sprintf("%s - %s - %s: %s", cat, sub, key, kv[key]))
			}
		}
	}
	return lines
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sceneAliases maps the English scene tags the pipeline emits onto the
// native keys used in the persona file
var sceneAliases = map[string]string{
	"private_chat": "私聊",
	"group_chat":   "群聊",
	"late_night":   "深夜",
	"work_hours":   "工作时间",
	"proactive":    "主动搭话",
}

// NormalizeScene maps an English scene tag to its native key; unknown
// tags pass through unchanged
func NormalizeScene(scene string) string {
	if native, ok := sceneAliases[scene]; ok {
		return native
	}
	return scene
}

// RelationLabel buckets an intimacy score into the relation axis used
// by the style lookup
func RelationLabel(intimacy int) string {
	switch {
	case intimacy > 70:
		return "亲密"
	case intimacy >= 30:
		return "熟悉"
	default:
		return "陌生"
	}
}

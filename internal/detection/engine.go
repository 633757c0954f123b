package detection

import (
	"fmt"
	"sort"

	"github.com/spf13/viper"
	"github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/mcpguard/mcpbridge/internal/mcp"
)

// Finding is one secret spotted in a tool argument.
type Finding struct {
	Tool        string
	Argument    string
	RuleID      string
	Description string
}

type Engine struct {
	detector *detect.Detector
}

// NewEngine creates a detection engine from a gitleaks TOML config, or from
// the built-in gitleaks rules when configPath is empty.
func NewEngine(configPath string) (*Engine, error) {
	if configPath == "" {
		detector, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load default rules: %w", err)
		}
		return &Engine{detector: detector}, nil
	}

	// Setup viper to read the config file
	v := viper.New()
	v.SetConfigType("toml")
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Parse into gitleaks config format
	var vc config.ViperConfig
	if err := v.Unmarshal(&vc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg, err := vc.Translate()
	if err != nil {
		return nil, fmt.Errorf("failed to translate config: %w", err)
	}

	return &Engine{
		detector: detect.NewDetector(cfg),
	}, nil
}

// Scan inspects a client message. Only tools/call requests are examined;
// every string found in the arguments, however deeply nested, is checked.
func (e *Engine) Scan(payload []byte) []Finding {
	request, ok := mcp.ParseToolCall(payload)
	if !ok {
		return nil
	}

	names := make([]string, 0, len(request.Params.Arguments))
	for name := range request.Params.Arguments {
		names = append(names, name)
	}
	sort.Strings(names)

	var results []Finding
	for _, name := range names {
		walkStrings(request.Params.Arguments[name], func(s string) {
			for _, res := range e.detector.DetectString(s) {
				results = append(results, Finding{
					Tool:        request.Params.Name,
					Argument:    name,
					RuleID:      res.RuleID,
					Description: res.Description,
				})
			}
		})
	}
	return results
}

func walkStrings(v interface{}, fn func(string)) {
	switch t := v.(type) {
	case string:
		fn(t)
	case map[string]interface{}:
		for _, item := range t {
			walkStrings(item, fn)
		}
	case []interface{}:
		for _, item := range t {
			walkStrings(item, fn)
		}
	}
}

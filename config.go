package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/utilitywarehouse/git-backup/credential"
	"github.com/utilitywarehouse/git-backup/engine"
	"github.com/utilitywarehouse/git-backup/internal/discover"
	"github.com/utilitywarehouse/git-backup/target"
	"gopkg.in/yaml.v3"
)

var (
	configSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "git_backup_config_last_reload_successful",
		Help: "Whether the last configuration reload attempt was successful.",
	})
	configSuccessTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "git_backup_config_last_reload_success_timestamp_seconds",
		Help: "Timestamp of the last successful configuration reload.",
	})
)

// WatchConfig polls the config file every interval and reloads if modified
func WatchConfig(ctx context.Context, path string, watchConfig bool, interval time.Duration, onChange func(*engine.Config) bool) {
	var lastModTime time.Time
	var success bool

	for {
		lastModTime, success = loadConfig(path, lastModTime, onChange)
		if success {
			configSuccess.Set(1)
			configSuccessTime.SetToCurrentTime()
		} else {
			configSuccess.Set(0)
		}

		if !watchConfig {
			return
		}

		t := time.NewTimer(interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func loadConfig(path string, lastModTime time.Time, onChange func(*engine.Config) bool) (time.Time, bool) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		logger.Error("Error checking config file", "err", err)
		return lastModTime, false
	}

	modTime := fileInfo.ModTime()
	if modTime.Equal(lastModTime) {
		return lastModTime, true
	}

	if !lastModTime.IsZero() {
		logger.Info("reloading config file...")
	}

	newConfig, err := parseConfigFile(path)
	if err != nil {
		logger.Error("failed to reload config", "err", err)
		return lastModTime, false
	}

	if err := newConfig.ValidateAndApplyDefaults(); err != nil {
		logger.Error("failed to validate new config", "err", err)
		return lastModTime, false
	}

	return modTime, onChange(newConfig)
}

// parseConfigFile reads yaml config file. Files with '.toml' extension are
// converted to yaml first so both formats go through same validation.
func parseConfigFile(path string) (*engine.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		data, err = tomlToYAML(data)
		if err != nil {
			return nil, fmt.Errorf("unable to parse toml config err:%w", err)
		}
	}

	err = validateConfig(data)
	if err != nil {
		return nil, err
	}

	conf := &engine.Config{}
	err = yaml.Unmarshal(data, conf)
	if err != nil {
		return nil, err
	}

	return conf, nil
}

func tomlToYAML(data []byte) ([]byte, error) {
	var raw map[string]interface{}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return yaml.Marshal(raw)
}

func validateConfig(yamlData []byte) error {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(yamlData, &raw); err != nil {
		return err
	}

	// defaults and at least one of targets or sources are mandatory
	if _, ok := raw["defaults"]; !ok {
		return fmt.Errorf("defaults config section is missing")
	}

	_, hasTargets := raw["targets"]
	_, hasSources := raw["sources"]
	if !hasTargets && !hasSources {
		return fmt.Errorf("targets or sources config section is required")
	}

	// check config sections for unexpected keys
	if key := findUnexpectedKey(raw, getAllowedKeys(engine.Config{})); key != "" {
		return fmt.Errorf("unexpected key: .%v", key)
	}

	// check "defaults" section
	defaultsMap, ok := raw["defaults"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("defaults section is missing or not valid")
	}
	if key := findUnexpectedKey(defaultsMap, getAllowedKeys(engine.DefaultConfig{})); key != "" {
		return fmt.Errorf("unexpected key: .defaults.%v", key)
	}

	// check "auth" section in "defaults"
	if authRaw, ok := defaultsMap["auth"]; ok && authRaw != nil {
		authMap, ok := authRaw.(map[string]interface{})
		if !ok {
			return fmt.Errorf("defaults.auth section is not valid")
		}
		if key := findUnexpectedKey(authMap, getAllowedKeys(credential.Config{})); key != "" {
			return fmt.Errorf("unexpected key: .defaults.auth.%v", key)
		}
	}

	if targetsRaw, ok := raw["targets"]; ok && targetsRaw != nil {
		targets, ok := targetsRaw.([]interface{})
		if !ok {
			return fmt.Errorf("targets config section is not valid")
		}
		for i, t := range targets {
			if _, ok := t.(string); !ok {
				return fmt.Errorf("targets[%d] must be a string", i)
			}
		}
	}

	if filterRaw, ok := raw["filter"]; ok && filterRaw != nil {
		filterMap, ok := filterRaw.(map[string]interface{})
		if !ok {
			return fmt.Errorf("filter config section is not valid")
		}
		if key := findUnexpectedKey(filterMap, getAllowedKeys(target.Filter{})); key != "" {
			return fmt.Errorf("unexpected key: .filter.%v", key)
		}
	}

	// check each source in "sources" section
	if sourcesRaw, ok := raw["sources"]; ok && sourcesRaw != nil {
		sources, ok := sourcesRaw.([]interface{})
		if !ok {
			return fmt.Errorf("sources config section is not valid")
		}
		allowedSourceKeys := getAllowedKeys(discover.Source{})
		for i, sourceInterface := range sources {
			sourceMap, ok := sourceInterface.(map[string]interface{})
			if !ok {
				return fmt.Errorf("sources[%d] config section is not valid", i)
			}
			if key := findUnexpectedKey(sourceMap, allowedSourceKeys); key != "" {
				return fmt.Errorf("unexpected key: .sources[%v].%v", i, key)
			}
		}
	}

	return nil
}

// getAllowedKeys retrieves a list of allowed keys from the specified struct
func getAllowedKeys(config interface{}) []string {
	var allowedKeys []string
	val := reflect.ValueOf(config)
	typ := reflect.TypeOf(config)

	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		yamlTag := field.Tag.Get("yaml")
		if yamlTag != "" {
			allowedKeys = append(allowedKeys, yamlTag)
		}
	}
	return allowedKeys
}

func findUnexpectedKey(raw interface{}, allowedKeys []string) string {
	for key := range raw.(map[string]interface{}) {
		if !slices.Contains(allowedKeys, key) {
			return key
		}
	}

	return ""
}

// resolveTargets expands sources, applies filter and drops duplicate
// identifiers keeping the first occurrence. Distinct identifiers sharing a
// display name map to the same destination and are only reported.
func resolveTargets(ctx context.Context, conf *engine.Config) ([]target.Target, error) {
	ids := append([]string{}, conf.Targets...)

	if len(conf.Sources) > 0 {
		listed, err := discover.Expand(ctx, conf.Sources, nil, logger.With("logger", "discover"))
		if err != nil {
			return nil, err
		}
		ids = append(ids, listed...)
	}

	targets := conf.Filter.Apply(target.FromList(ids))

	targets, duplicates := target.Unique(targets)
	for _, d := range duplicates {
		logger.Warn("skipping duplicate target", "target", d.ID)
	}

	for name, ts := range target.NameCollisions(targets) {
		var clashing []string
		for _, t := range ts {
			clashing = append(clashing, t.ID)
		}
		logger.Warn("targets share a display name and will use the same destination", "name", name, "targets", clashing)
	}

	return targets, nil
}

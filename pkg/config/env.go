// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/env"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/sentry"
)

// LoadConfigWithEnvOverrides loads the config file and applies environment variable overrides.
// This function is used during initial application startup to handle configuration from both
// persistent config files and runtime environment variables passed via docker -e flags.
//
// Order of precedence (highest to lowest):
// 1. Environment variables (METRICS_PORT, API_PORT, WEBHOOK_URL, LOG_DIR, AGENT_DIR)
// 2. Existing config file values
// 3. Default values
//
// Important: This function has side effects! The resulting configuration (with applied
// overrides) is written back to the config file, so environment variables cause PERMANENT
// changes to the file. On subsequent runs these values become the baseline unless
// overridden again.
func LoadConfigWithEnvOverrides(ctx context.Context, configManager *FileConfigManagerWithBackoff, log *zap.SugaredLogger) (FullConfig, error) {
	// Collect environment variables that can override config values
	metricsPort, err := env.GetAsInt("METRICS_PORT", false, 0)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get METRICS_PORT: %w", err)
	}

	apiPort, err := env.GetAsInt("API_PORT", false, 0)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get API_PORT: %w", err)
	}

	webhookURL, err := env.GetAsString("WEBHOOK_URL", false, "")
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get WEBHOOK_URL: %w", err)
	}

	logDir, err := env.GetAsString("LOG_DIR", false, "")
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get LOG_DIR: %w", err)
	}

	agentDir, err := env.GetAsString("AGENT_DIR", false, "")
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get AGENT_DIR: %w", err)
	}

	// Build the config override structure from environment variables
	configOverride := FullConfig{
		Agent: AgentConfig{
			MetricsPort: metricsPort,
			APIPort:     apiPort,
			Notify: NotifyConfig{
				WebhookURL: webhookURL,
			},
			LogDir:   logDir,
			AgentDir: agentDir,
		},
	}

	// Apply the environment overrides to the config
	configData, err := configManager.GetConfigWithOverwritesOrCreateNew(ctx, configOverride)
	if err != nil {
		return FullConfig{}, fmt.Errorf("failed to load config with environment overrides: %w", err)
	}

	return configData, nil
}

package metricskey

import "github.com/effective-security/metrics"

// Stats
var (
	// StatsLLMMessagesSent is base for counter metric for total messages sent to LLM
	StatsLLMMessagesSent = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_messages_sent",
		Help:         "stats_llm_messages_sent provides total messages sent to LLM",
		RequiredTags: []string{"model"},
	}

	StatsLLMInputTokens = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_input_tokens",
		Help:         "stats_llm_input_tokens provides total input tokens sent to LLM",
		RequiredTags: []string{"model"},
	}

	StatsLLMOutputTokens = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_output_tokens",
		Help:         "stats_llm_output_tokens provides total output tokens received from LLM",
		RequiredTags: []string{"model"},
	}

	StatsLLMCostUSD = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_cost_usd",
		Help:         "stats_llm_cost_usd provides estimated LLM spend in USD",
		RequiredTags: []string{"model"},
	}

	StatsTurnsCompleted = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_turns_completed",
		Help:         "stats_turns_completed provides total completed conversation turns",
		RequiredTags: []string{"tier"},
	}

	StatsTurnsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_turns_failed",
		Help:         "stats_turns_failed provides total failed conversation turns",
		RequiredTags: []string{"tier"},
	}

	StatsCorrectionRounds = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_correction_rounds",
		Help:         "stats_correction_rounds provides total correction rounds triggered by failed tool calls",
		RequiredTags: []string{"tier"},
	}

	StatsToolCalls = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls",
		Help:         "stats_tool_calls provides total tool calls by outcome status",
		RequiredTags: []string{"tool", "status"},
	}

	StatsToolCallsRetried = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_retried",
		Help:         "stats_tool_calls_retried provides total tool call execution retries",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsFuzzyResolved = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_fuzzy_resolved",
		Help:         "stats_tool_calls_fuzzy_resolved provides total tool names corrected by fuzzy resolution",
		RequiredTags: []string{"tool"},
	}

	StatsMuxServerErrors = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_mux_server_errors",
		Help:         "stats_mux_server_errors provides total remote tool server transport errors",
		RequiredTags: []string{"server"},
	}

	StatsMuxCatalogRefreshes = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_mux_catalog_refreshes",
		Help:         "stats_mux_catalog_refreshes provides total remote catalog cache refreshes",
		RequiredTags: []string{},
	}

	StatsRateLimited = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_rate_limited",
		Help:         "stats_rate_limited provides total requests rejected by rate ceilings",
		RequiredTags: []string{"tier", "window"},
	}

	StatsQuotaExceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_quota_exceeded",
		Help:         "stats_quota_exceeded provides total requests rejected by the daily token quota",
		RequiredTags: []string{"tier"},
	}

	StatsGovernorFailOpen = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_governor_fail_open",
		Help:         "stats_governor_fail_open provides total admissions granted while the counter store was unavailable",
		RequiredTags: []string{},
	}
)

// Perf
var (
	PerfTurnRun = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_turn_run",
		Help:         "perf_turn_run provides duration of a conversation turn",
		RequiredTags: []string{"tier"},
	}

	PerfModelCall = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_model_call",
		Help:         "perf_model_call provides duration of one model invocation",
		RequiredTags: []string{"model"},
	}

	PerfToolCall = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_tool_call",
		Help:         "perf_tool_call provides duration of tool call",
		RequiredTags: []string{"tool"},
	}

	PerfCatalogRefresh = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_catalog_refresh",
		Help:         "perf_catalog_refresh provides duration of remote catalog fan-out",
		RequiredTags: []string{},
	}
)

// Metrics returns slice of metrics from this repo
// keep sorted by name
var Metrics = []*metrics.Describe{
	&PerfCatalogRefresh,
	&PerfModelCall,
	&PerfToolCall,
	&PerfTurnRun,
	&StatsCorrectionRounds,
	&StatsGovernorFailOpen,
	&StatsLLMCostUSD,
	&StatsLLMInputTokens,
	&StatsLLMMessagesSent,
	&StatsLLMOutputTokens,
	&StatsMuxCatalogRefreshes,
	&StatsMuxServerErrors,
	&StatsQuotaExceeded,
	&StatsRateLimited,
	&StatsToolCalls,
	&StatsToolCallsFuzzyResolved,
	&StatsToolCallsRetried,
	&StatsTurnsCompleted,
	&StatsTurnsFailed,
}

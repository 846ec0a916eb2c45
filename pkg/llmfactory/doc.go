// Package llmfactory creates configured Model instances per provider and
// routes tool and turn workloads to their preferred models.
package llmfactory

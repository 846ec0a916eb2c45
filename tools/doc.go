// Package tools defines the Tool interface for in-process capabilities and the catalog of tool definitions advertised to the model. A definition is tagged with its origin: registered locally, or proxied from a remote tool server.
package tools

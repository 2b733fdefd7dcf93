// Package plugin holds the domain model for the plugin execution
// subsystem: the manifest schema with its validation rules, the Plugin
// aggregate with its status lifecycle, and the derived execution
// statistics and health metrics.
//
// # Manifest
//
// A manifest is supplied once at upload and is immutable afterwards:
//
//	{
//	  "name": "order-webhooks",
//	  "version": "1.2.0",
//	  "description": "Posts order events to external webhooks",
//	  "author": "Acme Integrations",
//	  "dependencies": {
//	    "platform": "^1.0.0",
//	    "plugins": {"base-plugin": "^1.0.0"},
//	    "services": ["email"]
//	  },
//	  "security": {
//	    "sandbox": true,
//	    "permissions": ["http", "cache"],
//	    "resourceLimits": {"memoryMB": 128, "timeoutMs": 30000},
//	    "trustedDomains": ["api.example.com", "*.hooks.example.com"],
//	    "allowedModules": ["json", "time"]
//	  },
//	  "entryPoint": "main.lua",
//	  "files": ["main.lua", "util.lua"]
//	}
//
// Field names and the numeric bounds (memory 1–1024 MB, timeout
// 1000–300000 ms) are part of the stored-manifest wire contract.
//
// # Lifecycle
//
// Plugins move through a one-directional lifecycle, with activation the
// only reversible step:
//
//	pending → validating → validated → installing → installed → active ⇄ inactive
//
// Any state may fail into error; installed, active, inactive, and error
// may be deprecated; deprecated plugins are removed. Execution is allowed
// only while active.
//
// # Immutability
//
// Plugin is a value type. WithStatus, WithConfiguration, and
// RecordExecution return new values with updatedAt refreshed, which keeps
// concurrent read-modify-write races visible to the persistence layer
// instead of silently lost.
package plugin

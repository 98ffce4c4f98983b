// Package logging provides a thin wrapper around log/slog with a subsystem
// discriminator on every entry.
//
// Subsystems group log output by functional area (Flow, Token, Reconnect,
// Gateway, ...) so a single stream remains filterable:
//
//	logging.Info("Flow", "created flow %s for server %s", flowID, serverID)
//	logging.Error("Reconnect", err, "reconnect attempt failed")
//
// Call Init once at startup to set the level and destination; before Init,
// entries go through slog's process default.
package logging

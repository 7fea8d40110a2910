// Package smc contains the control-plane data types shared by the node's
// transports, the command dispatcher and the computation suites: commands and
// their payloads, replies and their status vocabulary, participants and task
// descriptors, plus the error taxonomy used to turn failures into replies.
//
// The package is free of transport logic. The HTTP transport (smchttp) marshals
// these types as JSON; other transports are expected to do the same.
//
// # Commands
//
// A Command carries exactly one payload: Prepare, Link, Session or Debug. Use
// Command.Kind to discriminate; a command with zero or several payloads
// reports PayloadUnknown and is rejected by the dispatcher without a state change.
//
// # Errors
//
// Failures are modelled as *Error values carrying an ErrorKind. Each kind maps
// to a reply Status via ErrorKind.Status, so callers can build replies without
// inspecting messages:
//
//	var serr *smc.Error
//	if errors.As(err, &serr) {
//	    reply := smc.NewReply(serr.Status(), serr.Message)
//	}
package smc

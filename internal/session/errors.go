package session

import (
	"errors"

	"github.com/kyutai-labs/moshi-serve/internal/session/closecode"
)

// Sentinel errors for the session lifecycle, each pre-classified with the
// close code spec §4.4.4/§7 assigns it (via [closecode.NewClassified]) so
// [closecode.ForError] needs no session-package-specific cases.
var (
	// errProtocolFault covers malformed MessagePack, an unknown wire variant,
	// a client-sent Init, and semantically invalid fields (non-finite PCM) —
	// spec §7 "Protocol" class, close 4003.
	errProtocolFault = closecode.NewClassified(closecode.InvalidMessage, errors.New("session: protocol fault"))

	// errClientTimeout fires when no InMsg is observed within the inactivity
	// window (spec §4.4.2), close 4006.
	errClientTimeout = closecode.NewClassified(closecode.ClientTimeout, errors.New("session: client timeout"))

	// errEgressOverloaded fires when the ASR text egress queue is full (spec
	// §4.4.3: "an overloaded client is disconnected with 4005" — TTS audio
	// egress is lossy-safe instead and never reaches this path).
	errEgressOverloaded = closecode.NewClassified(closecode.ResourceUnavailable, errors.New("session: egress overloaded"))

	// errModelFault wraps an Engine-reported EventError (spec §4.3.6:
	// per-step model execution error), close 1011.
	errModelFault = closecode.NewClassified(closecode.InternalError, errors.New("session: model fault"))

	// errAtCapacity is returned by the admission path when Engine.Admit
	// reports the pool full, close 4000.
	errAtCapacity = closecode.NewClassified(closecode.AtCapacity, errors.New("session: at capacity"))

	// errAuthFailed marks a post-upgrade authentication failure. Pre-upgrade
	// failures never reach the session state machine at all (spec §4.4.1:
	// "failure closes with code 4001" happens via HTTP 401 before Accept).
	errAuthFailed = closecode.NewClassified(closecode.AuthFailed, errors.New("session: authentication failed"))

	// errServiceUnavailable marks admission rejected by an open circuit
	// breaker (internal/resilience), distinct from an ordinary at-capacity
	// rejection: the engine itself reported repeated device-fatal failures,
	// not just a full slot pool. Close 1013, spec §7's "try again later".
	errServiceUnavailable = closecode.NewClassified(closecode.TryAgain, errors.New("session: service temporarily unavailable"))
)

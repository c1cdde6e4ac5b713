package accounts

// AccountState is the lifecycle state of an account.
type AccountState string

const (
	AccountStateNotReady           AccountState = "NotReady"
	AccountStateProcessing         AccountState = "Processing"
	AccountStateTwoPassModeNeeded  AccountState = "TwoPassModeNeeded"
	AccountStateTwoPassModeSuccess AccountState = "TwoPassModeSuccess"
	AccountStateTwoPassModeFailed  AccountState = "TwoPassModeFailed"
	AccountStateReady              AccountState = "Ready"
	AccountStateDisabled           AccountState = "Disabled"
	AccountStateRemoved            AccountState = "Removed"
)

// IsValid reports whether s is a known account state.
func (s AccountState) IsValid() bool {
	_, ok := accountTransitions[s]
	return ok || s == AccountStateRemoved
}

func (s AccountState) String() string { return string(s) }

// SessionState is the authentication state of an account's session.
// The zero value means no session state is recorded.
type SessionState string

const (
	SessionStateNone                     SessionState = ""
	SessionStateSecondFactorNeeded       SessionState = "SecondFactorNeeded"
	SessionStateSecondFactorSuccess      SessionState = "SecondFactorSuccess"
	SessionStateSecondFactorFailed       SessionState = "SecondFactorFailed"
	SessionStateHumanVerificationNeeded  SessionState = "HumanVerificationNeeded"
	SessionStateHumanVerificationSuccess SessionState = "HumanVerificationSuccess"
	SessionStateHumanVerificationFailed  SessionState = "HumanVerificationFailed"
	SessionStateAuthenticated            SessionState = "Authenticated"
	SessionStateForceLogout              SessionState = "ForceLogout"
)

// IsValid reports whether s is a known session state. The empty state is valid.
func (s SessionState) IsValid() bool {
	if s == SessionStateNone {
		return true
	}
	_, ok := sessionTransitions[s]
	return ok
}

func (s SessionState) String() string { return string(s) }

type stateSet[S comparable] map[S]struct{}

func setOf[S comparable](states ...S) stateSet[S] {
	set := make(stateSet[S], len(states))
	for _, s := range states {
		set[s] = struct{}{}
	}
	return set
}

// accountTransitions lists the targets reachable from each account state.
// Disabled and Removed are reachable from every live state and are added below.
var accountTransitions = map[AccountState]stateSet[AccountState]{
	AccountStateNotReady:           setOf(AccountStateProcessing, AccountStateTwoPassModeNeeded, AccountStateReady),
	AccountStateProcessing:         setOf(AccountStateTwoPassModeNeeded, AccountStateReady),
	AccountStateTwoPassModeNeeded:  setOf(AccountStateTwoPassModeSuccess, AccountStateTwoPassModeFailed),
	AccountStateTwoPassModeSuccess: setOf(AccountStateReady),
	AccountStateTwoPassModeFailed:  setOf(AccountStateTwoPassModeNeeded),
	AccountStateReady:              setOf(AccountStateReady, AccountStateNotReady, AccountStateTwoPassModeNeeded),
	AccountStateDisabled:           setOf(AccountStateReady, AccountStateProcessing, AccountStateTwoPassModeNeeded),
}

// sessionTransitions lists the targets reachable from each session state.
// SessionStateNone is the state of an account whose session has not yet
// reported anything; ForceLogout may be entered from any state.
var sessionTransitions = map[SessionState]stateSet[SessionState]{
	SessionStateNone: setOf(
		SessionStateSecondFactorNeeded,
		SessionStateHumanVerificationNeeded,
		SessionStateAuthenticated,
	),
	SessionStateSecondFactorNeeded:       setOf(SessionStateSecondFactorSuccess, SessionStateSecondFactorFailed),
	SessionStateSecondFactorSuccess:      setOf(SessionStateAuthenticated),
	SessionStateSecondFactorFailed:       setOf(SessionStateSecondFactorNeeded),
	SessionStateHumanVerificationNeeded:  setOf(SessionStateHumanVerificationSuccess, SessionStateHumanVerificationFailed),
	SessionStateHumanVerificationSuccess: setOf(SessionStateAuthenticated),
	SessionStateHumanVerificationFailed:  setOf(SessionStateHumanVerificationNeeded),
	SessionStateAuthenticated: setOf(
		SessionStateSecondFactorNeeded,
		SessionStateHumanVerificationNeeded,
	),
	SessionStateForceLogout: {},
}

func init() {
	for _, targets := range accountTransitions {
		targets[AccountStateDisabled] = struct{}{}
		targets[AccountStateRemoved] = struct{}{}
	}
	for from, targets := range sessionTransitions {
		if from != SessionStateForceLogout {
			targets[SessionStateForceLogout] = struct{}{}
		}
	}
}

// CanTransitionAccount reports whether an account may move from -> to.
func CanTransitionAccount(from, to AccountState) bool {
	allowed, ok := accountTransitions[from]
	if !ok {
		return false
	}
	_, exists := allowed[to]
	return exists
}

// CanTransitionSession reports whether a session may move from -> to.
func CanTransitionSession(from, to SessionState) bool {
	allowed, ok := sessionTransitions[from]
	if !ok {
		return false
	}
	_, exists := allowed[to]
	return exists
}

// Package accounts coordinates the sign in lifecycle of user accounts and
// their backend sessions for multi-product clients.
//
// Lifecycle:
//   - An Account carries an AccountState and, while a session is attached, a
//     SessionState. Both graphs live in state.go and every AccountManager
//     operation checks them before writing anything.
//   - AccountManager serializes work per user id. A cascade (for example
//     SecondFactorSuccess, Authenticated, Ready) is written in a single
//     repository call. Its steps are published one event at a time after
//     that commit, so subscribers see every step in order and never observe
//     state that failed to persist.
//   - Rejected transitions return ErrInvalidTransition, leave storage
//     untouched and emit nothing.
//
// Storage:
//   - Repository is the persistence contract. MemoryRepository backs tests
//     and single process clients; repository.AccountRepository stores
//     accounts and sessions with Bun and seals tokens and verification
//     headers with a StringCrypto before they reach the database.
//   - UpdateAccountSession applies its options atomically: either every
//     change is written or none is.
//
// Activity sinks:
//   - ActivitySink receives best-effort audit events for additions, state
//     changes, refreshes and removals. Sink errors are logged and never fail
//     the operation. relay.RedisSink forwards them to a Redis channel.
package accounts

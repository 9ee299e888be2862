package chat

import "sync"

// Identity is the current user as the engine sees it. Read-only to the
// engine; resolved by the surrounding application.
type Identity struct {
	ID            string
	Name          string
	Authenticated bool
}

// AppContext is the explicit shared state the original design kept in
// ambient globals: the current identity and the active character and
// session references. It is passed by reference to the store and pipeline
// constructors. Only the SessionStore writes the active session; only the
// character-selection collaborator writes the active character.
type AppContext struct {
	mu          sync.RWMutex
	identity    Identity
	characterID string
	sessionID   string
}

// NewAppContext creates an application context for the given identity.
func NewAppContext(identity Identity) *AppContext {
	return &AppContext{identity: identity}
}

// Identity returns the current user identity.
func (a *AppContext) Identity() Identity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.identity
}

// SetIdentity replaces the current identity. Called by the surrounding
// application on sign-in/sign-out.
func (a *AppContext) SetIdentity(id Identity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.identity = id
}

// ActiveCharacter returns the id of the character being chatted with.
func (a *AppContext) ActiveCharacter() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.characterID
}

// SetActiveCharacter switches the active character. Written only by the
// character-selection collaborator.
func (a *AppContext) SetActiveCharacter(characterID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.characterID = characterID
	a.sessionID = ""
}

// ActiveSession returns the id of the active session, or empty if none.
func (a *AppContext) ActiveSession() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sessionID
}

// setActiveSession is written only by the SessionStore.
func (a *AppContext) setActiveSession(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionID = sessionID
}

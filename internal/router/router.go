// Package router implements L4: the agent-to-agent (A2A) router that
// resolves cross-region dependency queries. Grounded on
// original_source/core/dspy/src/eisen_agent/router.py, ported from asyncio
// coroutines to Go methods taking a context.Context, with the PyO3 bridge
// call replaced by a pluggable SymbolOracle interface (no such bridge
// exists in this module; see the Open Question decision below).
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/eisen-labs/eisen-agent/internal/logging"
	"github.com/eisen-labs/eisen-agent/internal/session"
)

// SymbolMatch is one hit from the symbol oracle.
type SymbolMatch struct {
	Kind      string
	Name      string
	Path      string
	StartLine int
	EndLine   int
}

// SymbolOracle is the zero-cost, tree-sitter-backed symbol lookup used
// before falling back to routing the query to a live agent. Resolving this
// against a real tree-sitter bridge is an Open Question left to the
// caller's chosen implementation (see DESIGN.md); a nil oracle simply
// skips straight to step 2.
type SymbolOracle interface {
	LookupSymbol(ctx context.Context, workspace, symbolName string) ([]SymbolMatch, error)
}

// Prompter is the subset of *session.Session the router needs to issue a
// focused cross-agent query. Declared as an interface so tests can supply a
// fake without spawning a real child process.
type Prompter interface {
	SessionID() string
	Prompt(ctx context.Context, content string) <-chan session.Update
}

// Router routes cross-region dependency queries between agents.
type Router struct {
	workspace string
	oracle    SymbolOracle

	mu          sync.RWMutex
	regionMap   map[string]string // region -> agent id
	sessions    map[string]Prompter
	symbolCache map[string]string
}

// New builds a Router for the given workspace. oracle may be nil.
func New(workspace string, oracle SymbolOracle) *Router {
	return &Router{
		workspace:   workspace,
		oracle:      oracle,
		regionMap:   make(map[string]string),
		sessions:    make(map[string]Prompter),
		symbolCache: make(map[string]string),
	}
}

// RegisterAgent records agentID as the owner of region, remembering its
// live session for direct queries.
func (r *Router) RegisterAgent(region, agentID string, sess Prompter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regionMap[region] = agentID
	r.sessions[agentID] = sess
	logging.Infof("router: registered %s for region %s", agentID, region)
}

// UnregisterAgent removes an agent from the router.
func (r *Router) UnregisterAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for region, id := range r.regionMap {
		if id == agentID {
			delete(r.regionMap, region)
		}
	}
	delete(r.sessions, agentID)
	logging.Infof("router: unregistered %s", agentID)
}

// RegisteredAgents returns a snapshot of region -> agent id.
func (r *Router) RegisteredAgents() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.regionMap))
	for k, v := range r.regionMap {
		out[k] = v
	}
	return out
}

// CacheSize returns the number of cached symbol resolutions.
func (r *Router) CacheSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.symbolCache)
}

// ClearCache empties the symbol resolution cache.
func (r *Router) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.symbolCache = make(map[string]string)
}

// Resolve answers a cross-region dependency query via the three-step
// resolution order: symbol-tree oracle, owning-agent routing, graceful
// fallback.
func (r *Router) Resolve(ctx context.Context, requestingAgent, symbolName, queryContext string) string {
	if result, ok := r.lookupSymbolTree(ctx, symbolName); ok {
		logging.Infof("router: resolved %q via symbol tree (zero cost)", symbolName)
		return result
	}

	owner, ok := r.findOwner(symbolName, queryContext)
	if ok && owner != requestingAgent {
		logging.Infof("router: routing %q query to owning agent %s", symbolName, owner)
		if result, ok := r.queryAgent(ctx, owner, symbolName, queryContext); ok {
			return result
		}
	}

	logging.Infof("router: %q not found via tree or agents", symbolName)
	return fmt.Sprintf("Symbol '%s' not found in workspace symbol tree or active agents.", symbolName)
}

func (r *Router) lookupSymbolTree(ctx context.Context, symbolName string) (string, bool) {
	r.mu.RLock()
	if cached, ok := r.symbolCache[symbolName]; ok {
		r.mu.RUnlock()
		return cached, true
	}
	oracle := r.oracle
	r.mu.RUnlock()

	if oracle == nil {
		return "", false
	}

	matches, err := oracle.LookupSymbol(ctx, r.workspace, symbolName)
	if err != nil {
		logging.Warnf("symbol tree lookup failed for %q: %v", symbolName, err)
		return "", false
	}
	if len(matches) == 0 {
		return "", false
	}

	formatted := formatSymbolMatches(matches)
	r.mu.Lock()
	r.symbolCache[symbolName] = formatted
	r.mu.Unlock()
	return formatted, true
}

// findOwner guesses the owning region from import-path-style context by
// substring matching the normalized region key against symbol name plus
// context, exactly as the original's import-path heuristic does.
func (r *Router) findOwner(symbolName, queryContext string) (string, bool) {
	combined := strings.ToLower(symbolName + " " + queryContext)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for region, agentID := range r.regionMap {
		regionKey := strings.ToLower(strings.TrimLeft(region, "/"))
		if regionKey != "" && strings.Contains(combined, regionKey) {
			return agentID, true
		}
	}
	return "", false
}

func (r *Router) queryAgent(ctx context.Context, agentID, symbolName, queryContext string) (string, bool) {
	r.mu.RLock()
	sess, ok := r.sessions[agentID]
	r.mu.RUnlock()
	if !ok || sess == nil || sess.SessionID() == "" {
		logging.Warnf("agent %s session not available for query", agentID)
		return "", false
	}

	query := fmt.Sprintf(
		"I need the type signature and brief description of `%s`. "+
			"Context: %s. Reply with ONLY the signature/definition, no explanation.",
		symbolName, queryContext,
	)

	var sb strings.Builder
	for update := range sess.Prompt(ctx, query) {
		switch update.Kind {
		case session.UpdateText:
			sb.WriteString(update.Text)
		case session.UpdateDone:
			goto done
		case session.UpdateError:
			logging.Warnf("agent query error: %s", update.Text)
			return "", false
		}
	}
done:
	answer := strings.TrimSpace(sb.String())
	if answer == "" {
		return "", false
	}

	r.mu.Lock()
	r.symbolCache[symbolName] = answer
	r.mu.Unlock()
	return answer, true
}

func formatSymbolMatches(matches []SymbolMatch) string {
	lines := make([]string, 0, len(matches))
	for _, m := range matches {
		kind := m.Kind
		if kind == "" {
			kind = "unknown"
		}
		name := m.Name
		if name == "" {
			name = "?"
		}
		path := m.Path
		if path == "" {
			path = "?"
		}
		lines = append(lines, fmt.Sprintf("%s %s (%s:%d-%d)", kind, name, path, m.StartLine, m.EndLine))
	}
	return strings.Join(lines, "\n")
}

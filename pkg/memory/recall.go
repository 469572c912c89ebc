package memory

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/dotsetgreg/priya/pkg/llm"
	"github.com/dotsetgreg/priya/pkg/logger"
)

// vectorMinScore is the lowest similarity a vector hit needs to be kept.
const vectorMinScore = 0.35

const maxQueryTokens = 8

// pairParser splits "User: ...\n<Assistant>: ..." rows into two turns.
type pairParser struct {
	re *regexp.Regexp
}

func newPairParser(assistant string) pairParser {
	return pairParser{re: regexp.MustCompile(`(?s)^User:\s?(.*?)\n\s*` + regexp.QuoteMeta(assistant) + `:\s?(.*)$`)}
}

func (p pairParser) parse(content string) (user, assistant string, ok bool) {
	m := p.re.FindStringSubmatch(content)
	if len(m) != 3 {
		return "", "", false
	}
	user, assistant = strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
	if user == "" || assistant == "" {
		return "", "", false
	}
	return user, assistant, true
}

// FormatTurn renders one exchange in the stored pairing format.
func (s *SQLiteStore) FormatTurn(user, reply string) string {
	return "User: " + user + "\n" + s.opts.AssistantName + ": " + reply
}

// Recall returns prior turns relevant to query as alternating user and
// assistant messages in chronological order, within the token budget. It
// never returns another user's rows and yields nil when the store fails.
func (s *SQLiteStore) Recall(ctx context.Context, userID, query string, opts RecallOptions) []llm.Message {
	if s.isClosed() || strings.TrimSpace(userID) == "" {
		return nil
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = s.opts.RecallTokens
	}
	key := recallKey(query, opts)
	if msgs, ok := s.cache.get(userID, key); ok {
		return msgs
	}

	v, err, _ := s.flight.Do(userID+"\x00"+key, func() (any, error) {
		rctx, cancel := context.WithTimeout(ctx, s.opts.RecallTimeout)
		defer cancel()
		msgs, err := s.recall(rctx, userID, query, opts)
		if err != nil {
			return nil, err
		}
		s.cache.put(userID, key, msgs)
		return msgs, nil
	})
	if err != nil {
		logger.WarnCF("memory", "Recall failed; continuing without history", map[string]any{
			"user_id": userID,
			"error":   err,
		})
		return nil
	}
	return cloneMessages(v.([]llm.Message))
}

func (s *SQLiteStore) recall(ctx context.Context, userID, query string, opts RecallOptions) ([]llm.Message, error) {
	candidates, err := s.candidates(ctx, userID, query, opts.ScopeID)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.ID > b.ID
	})

	type turn struct {
		entry     Entry
		user      string
		assistant string
	}
	var (
		picked    []turn
		summaries []Entry
		used      int
	)
	for _, c := range candidates {
		if c.IsSummary() {
			summaries = append(summaries, c)
			continue
		}
		u, a, ok := s.pairRe.parse(c.Content)
		if !ok {
			continue
		}
		cost := llm.MessageTokens(llm.User(u)) + llm.MessageTokens(llm.Assistant(a))
		if used+cost > opts.MaxTokens {
			continue
		}
		used += cost
		picked = append(picked, turn{entry: c, user: u, assistant: a})
	}

	if len(picked) == 0 {
		for _, sm := range summaries {
			msg := llm.System("Previous conversation: " + strings.TrimSpace(strings.TrimPrefix(sm.Content, SummaryPrefix)))
			if cost := llm.MessageTokens(msg); used+cost <= opts.MaxTokens {
				used += cost
				return []llm.Message{msg}, nil
			}
		}
		return []llm.Message{}, nil
	}

	sort.SliceStable(picked, func(i, j int) bool {
		a, b := picked[i].entry, picked[j].entry
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
	out := make([]llm.Message, 0, 2*len(picked))
	for _, t := range picked {
		out = append(out, llm.User(t.user), llm.Assistant(t.assistant))
	}
	return out, nil
}

// candidates gathers up to RecallLimit rows for userID: keyword matches
// first, then vector neighbours, then the most recent rows.
func (s *SQLiteStore) candidates(ctx context.Context, userID, query, scopeID string) ([]Entry, error) {
	limit := s.opts.RecallLimit
	seen := map[int64]bool{}
	var out []Entry
	take := func(entries []Entry) {
		for _, e := range entries {
			if len(out) >= limit {
				return
			}
			if seen[e.ID] || e.UserID != userID {
				continue
			}
			seen[e.ID] = true
			out = append(out, e)
		}
	}

	where, args := scopeFilter(userID, scopeID)

	if terms := queryTerms(query); len(terms) > 0 {
		likes := make([]string, len(terms))
		kwArgs := append([]any{}, args...)
		for i, term := range terms {
			likes[i] = `LOWER(content) LIKE ? ESCAPE '\'`
			kwArgs = append(kwArgs, "%"+escapeLike(term)+"%")
		}
		kwArgs = append(kwArgs, limit)
		rows, err := s.queryEntries(ctx,
			`SELECT `+entryColumns+` FROM memories WHERE `+where+` AND (`+strings.Join(likes, " OR ")+`)
			 ORDER BY importance DESC, timestamp DESC, id DESC LIMIT ?`, kwArgs...)
		if err != nil {
			return nil, err
		}
		take(rows)
	}

	if len(out) < limit && strings.TrimSpace(query) != "" && s.index.len() > 0 {
		hits := s.index.search(userID, s.opts.Embedder.Embed(query), limit, vectorMinScore)
		var ids []any
		for _, h := range hits {
			if !seen[h.rowID] {
				ids = append(ids, h.rowID)
			}
		}
		if len(ids) > 0 {
			rows, err := s.queryEntries(ctx,
				`SELECT `+entryColumns+` FROM memories WHERE `+where+` AND id IN (`+placeholders(len(ids))+`)`,
				append(append([]any{}, args...), ids...)...)
			if err != nil {
				return nil, err
			}
			rank := map[int64]int{}
			for i, h := range hits {
				rank[h.rowID] = i
			}
			sort.Slice(rows, func(i, j int) bool { return rank[rows[i].ID] < rank[rows[j].ID] })
			take(rows)
		}
	}

	if len(out) < limit {
		rows, err := s.queryEntries(ctx,
			`SELECT `+entryColumns+` FROM memories WHERE `+where+` ORDER BY timestamp DESC, id DESC LIMIT ?`,
			append(append([]any{}, args...), limit)...)
		if err != nil {
			return nil, err
		}
		take(rows)
	}
	return out, nil
}

func scopeFilter(userID, scopeID string) (string, []any) {
	if scopeID == "" {
		return `user_id = ?`, []any{userID}
	}
	return `user_id = ? AND scope_id = ?`, []any{userID, scopeID}
}

// queryTerms lowercases and de-duplicates the query's word tokens, keeping
// at most maxQueryTokens of them.
func queryTerms(query string) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	seen := map[string]bool{}
	var terms []string
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(query), -1) {
		if len([]rune(tok)) < 2 || seen[tok] {
			continue
		}
		seen[tok] = true
		terms = append(terms, tok)
		if len(terms) == maxQueryTokens {
			break
		}
	}
	return terms
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

package repo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"pveassist/internal/domain"
)

// UpsertKnowledge stores snippets, replacing ones with the same id.
func (r Repo) UpsertKnowledge(ctx context.Context, snippets []domain.KnowledgeSnippet) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := time.Now().UTC().Format(time.RFC3339)
	for _, s := range snippets {
		if strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.Body) == "" {
			return fmt.Errorf("knowledge snippet needs id and body")
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO knowledge(id,chapter,title,body,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET chapter=excluded.chapter, title=excluded.title, body=excluded.body, updated_at=excluded.updated_at`,
			s.ID, nullable(s.Chapter), s.Title, s.Body, now)
		if err != nil {
			return fmt.Errorf("upsert knowledge %s: %w", s.ID, err)
		}
	}
	return tx.Commit()
}

func (r Repo) CountKnowledge(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge`).Scan(&n)
	return n, err
}

// SearchKnowledge ranks snippets by how many query terms they contain.
// Title hits count double. Snippets without any hit are not returned.
func (r Repo) SearchKnowledge(ctx context.Context, query string, limit int) ([]domain.KnowledgeSnippet, error) {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 3
	}
	clauses := make([]string, 0, len(terms))
	args := make([]any, 0, len(terms)*2)
	for _, term := range terms {
		clauses = append(clauses, "(lower(title) LIKE ? OR lower(body) LIKE ?)")
		like := "%" + term + "%"
		args = append(args, like, like)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(chapter,''),title,body FROM knowledge WHERE `+strings.Join(clauses, " OR ")+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type scored struct {
		snippet domain.KnowledgeSnippet
		score   int
	}
	var hits []scored
	for rows.Next() {
		var s domain.KnowledgeSnippet
		if err := rows.Scan(&s.ID, &s.Chapter, &s.Title, &s.Body); err != nil {
			return nil, err
		}
		title, body := strings.ToLower(s.Title), strings.ToLower(s.Body)
		score := 0
		for _, term := range terms {
			if strings.Contains(title, term) {
				score += 2
			}
			if strings.Contains(body, term) {
				score++
			}
		}
		hits = append(hits, scored{snippet: s, score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	res := make([]domain.KnowledgeSnippet, 0, len(hits))
	for _, h := range hits {
		res = append(res, h.snippet)
	}
	return res, nil
}

// searchTerms lowercases the query and keeps words of at least three letters.
func searchTerms(query string) []string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := map[string]bool{}
	var terms []string
	for _, w := range words {
		if len([]rune(w)) < 3 || seen[w] || stopwords[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "what": true, "how": true, "does": true, "with": true,
	"een": true, "het": true, "wat": true, "hoe": true, "van": true, "voor": true, "met": true,
}

// Retriever adapts knowledge search to the orchestrator's retrieval capability.
type Retriever struct {
	Repo Repo
}

func (k Retriever) Retrieve(ctx context.Context, query string, limit int) (string, error) {
	snippets, err := k.Repo.SearchKnowledge(ctx, query, limit)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(snippets))
	for _, s := range snippets {
		if s.Title != "" {
			parts = append(parts, s.Title+": "+s.Body)
			continue
		}
		parts = append(parts, s.Body)
	}
	return strings.Join(parts, "\n\n"), nil
}

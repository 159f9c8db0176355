package extract

import "strings"

// Fixed keyword vocabularies for tag spotting. Matching is
// case-insensitive on word boundaries; results are deduplicated.
var tagVocabularies = [][]string{
	// Languages.
	{"go", "golang", "python", "javascript", "typescript", "rust", "java", "ruby", "kotlin", "swift", "php", "elixir"},
	// Frameworks.
	{"react", "vue", "angular", "svelte", "django", "flask", "rails", "spring", "express", "gin", "echo", "chi"},
	// Runtimes.
	{"node", "nodejs", "deno", "bun", "jvm", "dotnet", "wasm"},
	// Databases.
	{"postgres", "postgresql", "mysql", "sqlite", "mongodb", "redis", "neo4j", "qdrant", "elasticsearch", "dynamodb"},
	// Cloud providers.
	{"aws", "gcp", "azure", "cloudflare", "vercel", "heroku", "fly.io", "digitalocean"},
}

// ExtractTags keyword-spots the fixed vocabularies in text.
func ExtractTags(text string) []string {
	words := tokenize(text)
	present := make(map[string]bool, len(words))
	for _, w := range words {
		present[w] = true
	}

	var tags []string
	seen := make(map[string]bool)
	for _, vocab := range tagVocabularies {
		for _, keyword := range vocab {
			if seen[keyword] {
				continue
			}
			if present[keyword] {
				seen[keyword] = true
				tags = append(tags, keyword)
			}
		}
	}
	return tags
}

// tokenize splits text into lowercase word tokens, keeping characters
// that appear inside tech names (dots, pluses, octothorpes).
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '.' || r == '+' || r == '#' || r == '-')
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(strings.Trim(f, "."))
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

package strategy

// builtinArchetypes returns the seven strategy archetypes present at first
// boot per §4.15. Consolidation may later mutate their keyword lists or
// spawn new strategies entirely via Upsert; these are only the seeds.
func builtinArchetypes() []Strategy {
	return []Strategy{
		{
			ID:                     "code-generation",
			Name:                   "Code Generation",
			PatternKeywords:        []string{"write", "implement", "create", "add", "build", "generate"},
			RequiredCapabilities:   []string{"code_write", "code_read"},
			DefaultWorkerCount:     1,
			DefaultToolCallCeiling: 15,
			OutputFormat:           "diff",
		},
		{
			ID:                     "code-review",
			Name:                   "Code Review",
			PatternKeywords:        []string{"review", "audit", "critique", "feedback", "lint"},
			RequiredCapabilities:   []string{"code_read"},
			DefaultWorkerCount:     2,
			DefaultToolCallCeiling: 10,
			OutputFormat:           "findings",
		},
		{
			ID:                     "bug-investigation",
			Name:                   "Bug Investigation",
			PatternKeywords:        []string{"bug", "crash", "error", "fails", "broken", "investigate", "debug"},
			RequiredCapabilities:   []string{"code_read", "test_run"},
			DefaultWorkerCount:     2,
			DefaultToolCallCeiling: 20,
			OutputFormat:           "root_cause",
		},
		{
			ID:                     "refactoring",
			Name:                   "Refactoring",
			PatternKeywords:        []string{"refactor", "cleanup", "simplify", "restructure", "rename"},
			RequiredCapabilities:   []string{"code_read", "code_write"},
			DefaultWorkerCount:     1,
			DefaultToolCallCeiling: 15,
			OutputFormat:           "diff",
		},
		{
			ID:                     "research",
			Name:                   "Research",
			PatternKeywords:        []string{"research", "explore", "survey", "investigate", "find", "what"},
			RequiredCapabilities:   []string{"web_search", "code_read"},
			DefaultWorkerCount:     3,
			DefaultToolCallCeiling: 15,
			OutputFormat:           "report",
		},
		{
			ID:                     "comparison",
			Name:                   "Comparison",
			PatternKeywords:        []string{"compare", "versus", "vs", "tradeoff", "alternatives", "better"},
			RequiredCapabilities:   []string{"web_search", "code_read"},
			DefaultWorkerCount:     4,
			DefaultToolCallCeiling: 15,
			OutputFormat:           "comparison_table",
		},
		{
			ID:                     "testing",
			Name:                   "Testing",
			PatternKeywords:        []string{"test", "coverage", "verify", "validate", "regression"},
			RequiredCapabilities:   []string{"code_read", "code_write", "test_run"},
			DefaultWorkerCount:     2,
			DefaultToolCallCeiling: 15,
			OutputFormat:           "test_report",
		},
	}
}

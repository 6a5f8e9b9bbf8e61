package config

// DefaultSetup prepares the table used by DefaultProbes.
func DefaultSetup() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS routecheck_probe (
			id BIGSERIAL PRIMARY KEY,
			message TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
}

// DefaultProbes is the suite used when the configuration names none: the
// INSERT / SELECT / transaction checks a pgpool deployment is expected to
// route correctly.
func DefaultProbes() []ProbeConfig {
	return []ProbeConfig{
		{
			Name:         "server_version",
			Kind:         "read",
			ExpectedRole: "standby",
			SQL:          "SELECT version()",
		},
		{
			Name:         "insert_routing",
			Kind:         "write",
			ExpectedRole: "primary",
			SQL:          "INSERT INTO routecheck_probe (message) VALUES ('routecheck {{.RunID}} ' || now()::text)",
		},
		{
			Name:         "select_routing",
			Kind:         "read",
			ExpectedRole: "standby",
			SQL:          "SELECT id FROM routecheck_probe",
		},
		{
			Name:         "transaction_routing",
			Kind:         "transactional",
			ExpectedRole: "primary",
			Statements: []string{
				"INSERT INTO routecheck_probe (message) VALUES ('routecheck {{.RunID}} transaction')",
				"UPDATE routecheck_probe SET message = message || ' committed' WHERE message = 'routecheck {{.RunID}} transaction'",
			},
		},
		{
			Name:         "final_count",
			Kind:         "read",
			ExpectedRole: "standby",
			SQL:          "SELECT id FROM routecheck_probe WHERE message LIKE 'routecheck {{.RunID}}%'",
		},
	}
}

package store

func (s *Storage) RunMigrations() error {
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS preferences (
		key VARCHAR NOT NULL PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		source VARCHAR NOT NULL PRIMARY KEY,
		identity TEXT NOT NULL,
		connected_at TIMESTAMP NOT NULL
	)`,
}

package storage

// Migration represents a database migration
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// GetSQLiteMigrations returns SQLite migration scripts
func GetSQLiteMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS events (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					tx_hash TEXT NOT NULL,
					block_number INTEGER NOT NULL,
					log_index INTEGER NOT NULL,
					event_name TEXT NOT NULL,
					user_address TEXT,
					asset TEXT,
					amount TEXT,
					raw_args TEXT NOT NULL, -- JSON
					created_at DATETIME NOT NULL
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_events_tx_log ON events(tx_hash, log_index);
				CREATE INDEX IF NOT EXISTS idx_events_user_block ON events(user_address, block_number, log_index);
				CREATE INDEX IF NOT EXISTS idx_events_block ON events(block_number);
			`,
		},
		{
			Version:     "002",
			Description: "Create positions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS positions (
					user_address TEXT NOT NULL,
					asset TEXT NOT NULL,
					supplied_balance TEXT NOT NULL DEFAULT '0', -- base-10 big integer
					borrowed_balance TEXT NOT NULL DEFAULT '0',
					is_collateral BOOLEAN NOT NULL DEFAULT TRUE,
					health_factor TEXT,
					updated_at DATETIME NOT NULL,
					PRIMARY KEY (user_address, asset)
				);
			`,
		},
		{
			Version:     "003",
			Description: "Create liquidations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS liquidations (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					tx_hash TEXT NOT NULL,
					log_index INTEGER NOT NULL,
					block_number INTEGER NOT NULL,
					liquidator TEXT NOT NULL,
					user_liquidated TEXT NOT NULL,
					collateral_asset TEXT NOT NULL,
					debt_asset TEXT NOT NULL,
					debt_covered TEXT NOT NULL,
					collateral_seized TEXT NOT NULL,
					created_at DATETIME NOT NULL
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_liquidations_tx_log ON liquidations(tx_hash, log_index);
				CREATE INDEX IF NOT EXISTS idx_liquidations_created_at ON liquidations(created_at);
			`,
		},
		{
			Version:     "004",
			Description: "Create indexer_checkpoints table",
			SQL: `
				CREATE TABLE IF NOT EXISTS indexer_checkpoints (
					chain_id INTEGER PRIMARY KEY,
					last_processed_block INTEGER NOT NULL,
					updated_at DATETIME NOT NULL
				);
			`,
		},
		{
			Version:     "005",
			Description: "Create market_snapshots table",
			SQL: `
				CREATE TABLE IF NOT EXISTS market_snapshots (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					batch_id TEXT NOT NULL,
					asset TEXT NOT NULL,
					symbol TEXT NOT NULL,
					total_supplied TEXT NOT NULL,
					total_borrowed TEXT NOT NULL,
					supply_rate TEXT NOT NULL,
					borrow_rate TEXT NOT NULL,
					utilization TEXT NOT NULL,
					price_usd TEXT NOT NULL,
					snapshot_at DATETIME NOT NULL
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_snapshots_batch_asset ON market_snapshots(batch_id, asset);
				CREATE INDEX IF NOT EXISTS idx_snapshots_asset_time ON market_snapshots(asset, snapshot_at);
			`,
		},
	}
}

// GetPostgresMigrations returns PostgreSQL migration scripts
func GetPostgresMigrations() []*Migration {
	return []*Migration{
		{
			Version:     "001",
			Description: "Create events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS events (
					id BIGSERIAL PRIMARY KEY,
					tx_hash VARCHAR(66) NOT NULL,
					block_number BIGINT NOT NULL,
					log_index INTEGER NOT NULL,
					event_name VARCHAR(64) NOT NULL,
					user_address VARCHAR(42),
					asset VARCHAR(42),
					amount NUMERIC(78, 0),
					raw_args JSONB NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_events_tx_log ON events(tx_hash, log_index);
				CREATE INDEX IF NOT EXISTS idx_events_user_block ON events(user_address, block_number DESC, log_index DESC);
				CREATE INDEX IF NOT EXISTS idx_events_block ON events(block_number);
			`,
		},
		{
			Version:     "002",
			Description: "Create positions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS positions (
					user_address VARCHAR(42) NOT NULL,
					asset VARCHAR(42) NOT NULL,
					supplied_balance NUMERIC(78, 0) NOT NULL DEFAULT 0 CHECK (supplied_balance >= 0),
					borrowed_balance NUMERIC(78, 0) NOT NULL DEFAULT 0 CHECK (borrowed_balance >= 0),
					is_collateral BOOLEAN NOT NULL DEFAULT TRUE,
					health_factor NUMERIC,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (user_address, asset)
				);
			`,
		},
		{
			Version:     "003",
			Description: "Create liquidations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS liquidations (
					id BIGSERIAL PRIMARY KEY,
					tx_hash VARCHAR(66) NOT NULL,
					log_index INTEGER NOT NULL,
					block_number BIGINT NOT NULL,
					liquidator VARCHAR(42) NOT NULL,
					user_liquidated VARCHAR(42) NOT NULL,
					collateral_asset VARCHAR(42) NOT NULL,
					debt_asset VARCHAR(42) NOT NULL,
					debt_covered NUMERIC(78, 0) NOT NULL,
					collateral_seized NUMERIC(78, 0) NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_liquidations_tx_log ON liquidations(tx_hash, log_index);
				CREATE INDEX IF NOT EXISTS idx_liquidations_created_at ON liquidations(created_at);
			`,
		},
		{
			Version:     "004",
			Description: "Create indexer_checkpoints table",
			SQL: `
				CREATE TABLE IF NOT EXISTS indexer_checkpoints (
					chain_id BIGINT PRIMARY KEY,
					last_processed_block BIGINT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     "005",
			Description: "Create market_snapshots table",
			SQL: `
				CREATE TABLE IF NOT EXISTS market_snapshots (
					id BIGSERIAL PRIMARY KEY,
					batch_id UUID NOT NULL,
					asset VARCHAR(42) NOT NULL,
					symbol VARCHAR(32) NOT NULL,
					total_supplied NUMERIC NOT NULL,
					total_borrowed NUMERIC NOT NULL,
					supply_rate NUMERIC NOT NULL,
					borrow_rate NUMERIC NOT NULL,
					utilization NUMERIC NOT NULL,
					price_usd NUMERIC NOT NULL,
					snapshot_at TIMESTAMPTZ NOT NULL
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_snapshots_batch_asset ON market_snapshots(batch_id, asset);
				CREATE INDEX IF NOT EXISTS idx_snapshots_asset_time ON market_snapshots(asset, snapshot_at DESC);
			`,
		},
	}
}

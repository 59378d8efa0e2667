package storage

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
        id         BIGSERIAL PRIMARY KEY,
        chat_id    BIGINT NOT NULL UNIQUE,
        username   TEXT NOT NULL DEFAULT '',
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE TABLE IF NOT EXISTS wallets (
        id                 BIGSERIAL PRIMARY KEY,
        user_id            BIGINT NOT NULL REFERENCES users(id),
        address            TEXT NOT NULL UNIQUE,
        active             BOOLEAN NOT NULL DEFAULT TRUE,
        threshold_warning  NUMERIC,
        threshold_critical NUMERIC,
        threshold_urgent   NUMERIC,
        created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE INDEX IF NOT EXISTS idx_wallets_active ON wallets (active);`,
	`CREATE TABLE IF NOT EXISTS positions (
        wallet_id         BIGINT NOT NULL REFERENCES wallets(id),
        symbol            TEXT NOT NULL,
        size              NUMERIC NOT NULL,
        side              TEXT NOT NULL,
        entry_price       NUMERIC NOT NULL,
        mark_price        NUMERIC,
        liquidation_price NUMERIC,
        margin_ratio      NUMERIC,
        unrealized_pnl    NUMERIC,
        updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
        PRIMARY KEY (wallet_id, symbol)
    );`,
	`CREATE TABLE IF NOT EXISTS account_balances (
        wallet_id        BIGINT PRIMARY KEY REFERENCES wallets(id),
        total_margin     NUMERIC NOT NULL,
        used_margin      NUMERIC NOT NULL,
        available_margin NUMERIC NOT NULL,
        unrealized_pnl   NUMERIC NOT NULL,
        updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE TABLE IF NOT EXISTS alerts (
        id                BIGSERIAL PRIMARY KEY,
        wallet_id         BIGINT NOT NULL REFERENCES wallets(id),
        category          TEXT NOT NULL,
        message           TEXT NOT NULL,
        severity          TEXT NOT NULL,
        symbol            TEXT,
        margin_ratio      NUMERIC,
        liquidation_price NUMERIC,
        sent              BOOLEAN NOT NULL DEFAULT FALSE,
        created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_wallet_created ON alerts (wallet_id, created_at);`,
}

// Package storage provides PostgreSQL implementation of the Store interface.
// This implementation is intended for production use with persistent data storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RegistryAccord/registryaccord-vault-go/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgres implements the Store interface using PostgreSQL.
// Document, share link and notification state share one database so that
// cross-entity checks run inside a single transaction.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Documents; exactly one of personal_vault_id / organization_id is set
		CREATE TABLE IF NOT EXISTS documents (
		    id TEXT PRIMARY KEY,
		    personal_vault_id TEXT,
		    organization_id TEXT,
		    owner_id TEXT NOT NULL,
		    name TEXT NOT NULL,
		    mime_type TEXT NOT NULL,
		    size BIGINT NOT NULL,
		    storage_key TEXT NOT NULL,
		    due_date TIMESTAMP WITH TIME ZONE,
		    expiration_date TIMESTAMP WITH TIME ZONE,
		    tracking_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    CHECK ((personal_vault_id IS NULL) <> (organization_id IS NULL))
		);
		CREATE INDEX IF NOT EXISTS idx_documents_tracking ON documents(owner_id) WHERE tracking_enabled;

		-- Append-only version history
		CREATE TABLE IF NOT EXISTS document_versions (
		    id TEXT PRIMARY KEY,
		    document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		    version_number INTEGER NOT NULL,
		    size BIGINT NOT NULL,
		    storage_key TEXT NOT NULL,
		    uploader_id TEXT NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    UNIQUE(document_id, version_number)
		);

		-- Share links; state is derived from expires_at and the download counters
		CREATE TABLE IF NOT EXISTS share_links (
		    token TEXT PRIMARY KEY,
		    pin TEXT NOT NULL DEFAULT '',
		    expires_at TIMESTAMP WITH TIME ZONE,
		    max_downloads INTEGER,
		    download_count INTEGER NOT NULL DEFAULT 0,
		    personal_vault_id TEXT,
		    organization_id TEXT,
		    client_name TEXT NOT NULL DEFAULT '',
		    created_by TEXT NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- Bundled documents; deliberately no foreign key to documents
		CREATE TABLE IF NOT EXISTS share_link_documents (
		    token TEXT NOT NULL REFERENCES share_links(token) ON DELETE CASCADE,
		    document_id TEXT NOT NULL,
		    position INTEGER NOT NULL,
		    PRIMARY KEY(token, document_id)
		);
		CREATE INDEX IF NOT EXISTS idx_share_link_documents_document ON share_link_documents(document_id);

		CREATE TABLE IF NOT EXISTS portals (
		    id TEXT PRIMARY KEY,
		    organization_id TEXT NOT NULL,
		    client_name TEXT NOT NULL,
		    client_email TEXT NOT NULL,
		    pin TEXT NOT NULL DEFAULT '',
		    created_by TEXT NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS portal_requests (
		    id TEXT PRIMARY KEY,
		    portal_id TEXT NOT NULL REFERENCES portals(id) ON DELETE CASCADE,
		    title TEXT NOT NULL,
		    description TEXT NOT NULL DEFAULT '',
		    required BOOLEAN NOT NULL DEFAULT FALSE,
		    sort_order INTEGER NOT NULL DEFAULT 0,
		    due_date TIMESTAMP WITH TIME ZONE,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_portal_requests_portal ON portal_requests(portal_id, sort_order, created_at);

		-- At most one submission per request
		CREATE TABLE IF NOT EXISTS portal_submissions (
		    id TEXT PRIMARY KEY,
		    request_id TEXT NOT NULL UNIQUE REFERENCES portal_requests(id) ON DELETE CASCADE,
		    status TEXT NOT NULL,
		    document_ids TEXT[] NOT NULL,
		    revision INTEGER NOT NULL DEFAULT 1,
		    submitted_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    reviewed_at TIMESTAMP WITH TIME ZONE
		);

		CREATE TABLE IF NOT EXISTS notifications (
		    id TEXT PRIMARY KEY,
		    user_id TEXT NOT NULL,
		    category TEXT NOT NULL,
		    subject_type TEXT NOT NULL,
		    subject_id TEXT NOT NULL,
		    title TEXT NOT NULL,
		    read BOOLEAN NOT NULL DEFAULT FALSE,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    read_at TIMESTAMP WITH TIME ZONE
		);
		CREATE INDEX IF NOT EXISTS idx_notifications_user_created ON notifications(user_id, created_at DESC, id DESC);

		-- Guard against concurrent sweeps and urgent checks racing past check-before-create
		CREATE UNIQUE INDEX IF NOT EXISTS uq_notifications_unread
		    ON notifications(user_id, subject_type, subject_id, category) WHERE read = FALSE;
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// Ping checks that the database answers.
func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const documentColumns = `id, COALESCE(personal_vault_id, ''), COALESCE(organization_id, ''), owner_id, name, mime_type,
	size, storage_key, due_date, expiration_date, tracking_enabled, created_at, updated_at`

func scanDocument(row scanner) (*model.Document, error) {
	var d model.Document
	err := row.Scan(&d.ID, &d.PersonalVaultID, &d.OrganizationID, &d.OwnerID, &d.Name, &d.MimeType,
		&d.Size, &d.StorageKey, &d.DueDate, &d.ExpirationDate, &d.TrackingEnabled, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

const versionColumns = `id, document_id, version_number, size, storage_key, uploader_id, created_at`

func scanVersion(row scanner) (*model.DocumentVersion, error) {
	var v model.DocumentVersion
	if err := row.Scan(&v.ID, &v.DocumentID, &v.VersionNumber, &v.Size, &v.StorageKey, &v.UploaderID, &v.CreatedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

func insertVersion(ctx context.Context, q pgxQuerier, v model.DocumentVersion) error {
	query := `INSERT INTO document_versions (id, document_id, version_number, size, storage_key, uploader_id, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := q.Exec(ctx, query, v.ID, v.DocumentID, v.VersionNumber, v.Size, v.StorageKey, v.UploaderID, v.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert version: %w", err)
	}
	return nil
}

// pgxQuerier is the subset of pgxpool.Pool and pgx.Tx used by shared helpers.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CreateDocument inserts the document and its first version in one transaction.
func (p *postgres) CreateDocument(ctx context.Context, doc model.Document, first model.DocumentVersion) error {
	return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		query := `INSERT INTO documents (id, personal_vault_id, organization_id, owner_id, name, mime_type, size,
		          storage_key, due_date, expiration_date, tracking_enabled, created_at, updated_at)
		          VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
		_, err := tx.Exec(ctx, query,
			doc.ID,
			doc.PersonalVaultID,
			doc.OrganizationID,
			doc.OwnerID,
			doc.Name,
			doc.MimeType,
			doc.Size,
			doc.StorageKey,
			doc.DueDate,
			doc.ExpirationDate,
			doc.TrackingEnabled,
			doc.CreatedAt,
			doc.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("failed to create document: %w", err)
		}
		return insertVersion(ctx, tx, first)
	})
}

// GetDocument retrieves a document by ID
func (p *postgres) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	doc, err := scanDocument(p.db.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// GetDocuments retrieves the documents that exist among ids, in the order given.
func (p *postgres) GetDocuments(ctx context.Context, ids []string) ([]model.Document, error) {
	rows, err := p.db.Query(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get documents: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]model.Document, len(ids))
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		byID[doc.ID] = *doc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}

	docs := make([]model.Document, 0, len(byID))
	for _, id := range ids {
		if doc, ok := byID[id]; ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func listVersions(ctx context.Context, q pgxQuerier, documentID string) ([]model.DocumentVersion, error) {
	rows, err := q.Query(ctx, `SELECT `+versionColumns+` FROM document_versions
	                           WHERE document_id = $1 ORDER BY version_number`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	versions := make([]model.DocumentVersion, 0)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate versions: %w", err)
	}
	return versions, nil
}

// ListVersions returns a document's versions ordered by version number.
func (p *postgres) ListVersions(ctx context.Context, documentID string) ([]model.DocumentVersion, error) {
	if _, err := p.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return listVersions(ctx, p.db, documentID)
}

// pgDocTx is a DocumentTx bound to a transaction holding the document row lock.
type pgDocTx struct {
	ctx context.Context
	tx  pgx.Tx
	doc model.Document
}

func (t *pgDocTx) Document() model.Document { return t.doc }

func (t *pgDocTx) MaxVersionNumber() (int, error) {
	var max int
	err := t.tx.QueryRow(t.ctx, `SELECT COALESCE(MAX(version_number), 0) FROM document_versions WHERE document_id = $1`,
		t.doc.ID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to read max version: %w", err)
	}
	return max, nil
}

func (t *pgDocTx) GetVersion(versionID string) (*model.DocumentVersion, error) {
	v, err := scanVersion(t.tx.QueryRow(t.ctx, `SELECT `+versionColumns+` FROM document_versions
	                                            WHERE id = $1 AND document_id = $2`, versionID, t.doc.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	return v, nil
}

func (t *pgDocTx) ListVersions() ([]model.DocumentVersion, error) {
	return listVersions(t.ctx, t.tx, t.doc.ID)
}

func (t *pgDocTx) InsertVersion(v model.DocumentVersion) error {
	return insertVersion(t.ctx, t.tx, v)
}

func (t *pgDocTx) SetContent(storageKey string, size int64, updatedAt time.Time) error {
	_, err := t.tx.Exec(t.ctx, `UPDATE documents SET storage_key = $1, size = $2, updated_at = $3 WHERE id = $4`,
		storageKey, size, updatedAt, t.doc.ID)
	if err != nil {
		return fmt.Errorf("failed to update document content: %w", err)
	}
	t.doc.StorageKey = storageKey
	t.doc.Size = size
	t.doc.UpdatedAt = updatedAt
	return nil
}

func (t *pgDocTx) SetLifecycle(dueDate, expirationDate *time.Time, trackingEnabled bool, updatedAt time.Time) error {
	_, err := t.tx.Exec(t.ctx, `UPDATE documents SET due_date = $1, expiration_date = $2, tracking_enabled = $3,
	                           updated_at = $4 WHERE id = $5`,
		dueDate, expirationDate, trackingEnabled, updatedAt, t.doc.ID)
	if err != nil {
		return fmt.Errorf("failed to update document lifecycle: %w", err)
	}
	t.doc.DueDate = dueDate
	t.doc.ExpirationDate = expirationDate
	t.doc.TrackingEnabled = trackingEnabled
	t.doc.UpdatedAt = updatedAt
	return nil
}

// WithDocumentLock runs fn in a transaction holding the document's row lock.
// Concurrent version appends to the same document queue behind the lock.
func (p *postgres) WithDocumentLock(ctx context.Context, documentID string, fn func(tx DocumentTx) error) error {
	return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		doc, err := scanDocument(tx.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1 FOR UPDATE`, documentID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to lock document: %w", err)
		}
		return fn(&pgDocTx{ctx: ctx, tx: tx, doc: *doc})
	})
}

// activeLinkPredicate matches links that are neither expired nor exhausted at $2.
const activeLinkPredicate = `(l.expires_at IS NULL OR l.expires_at > $2)
	AND (l.max_downloads IS NULL OR l.download_count < l.max_downloads)`

// DeleteDocument removes a document unless an active share link references it.
// Inactive links keep existing but lose the reference.
func (p *postgres) DeleteDocument(ctx context.Context, documentID string, now time.Time) error {
	return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, `SELECT id FROM documents WHERE id = $1 FOR UPDATE`, documentID).Scan(&id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to lock document: %w", err)
		}

		var active int
		query := `SELECT COUNT(*) FROM share_link_documents d
		          JOIN share_links l ON l.token = d.token
		          WHERE d.document_id = $1 AND ` + activeLinkPredicate
		if err := tx.QueryRow(ctx, query, documentID, now).Scan(&active); err != nil {
			return fmt.Errorf("failed to check share links: %w", err)
		}
		if active > 0 {
			return ErrConflict
		}

		if _, err := tx.Exec(ctx, `DELETE FROM share_link_documents WHERE document_id = $1`, documentID); err != nil {
			return fmt.Errorf("failed to detach share links: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE id = $1`, documentID); err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}
		return nil
	})
}

// ListTrackedDocuments returns tracked documents with a due or expiration date at or before horizon.
// An empty ownerID lists every owner.
func (p *postgres) ListTrackedDocuments(ctx context.Context, ownerID string, horizon time.Time) ([]model.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents
	          WHERE tracking_enabled
	            AND ($1 = '' OR owner_id = $1)
	            AND (due_date <= $2 OR expiration_date <= $2)
	          ORDER BY owner_id, id`
	rows, err := p.db.Query(ctx, query, ownerID, horizon)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked documents: %w", err)
	}
	defer rows.Close()

	docs := make([]model.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return docs, nil
}

// CreateShareLink inserts a link and its bundled documents. The documents are
// share-locked so a concurrent delete cannot slip between check and insert.
func (p *postgres) CreateShareLink(ctx context.Context, link model.ShareLink) error {
	return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		var found int
		err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM (SELECT id FROM documents WHERE id = ANY($1) FOR SHARE) d`,
			link.DocumentIDs).Scan(&found)
		if err != nil {
			return fmt.Errorf("failed to check documents: %w", err)
		}
		if found != len(link.DocumentIDs) {
			return ErrNotFound
		}

		query := `INSERT INTO share_links (token, pin, expires_at, max_downloads, download_count, personal_vault_id,
		          organization_id, client_name, created_by, created_at)
		          VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10)`
		_, err = tx.Exec(ctx, query,
			link.Token,
			link.PIN,
			link.ExpiresAt,
			link.MaxDownloads,
			link.DownloadCount,
			link.PersonalVaultID,
			link.OrganizationID,
			link.ClientName,
			link.CreatedBy,
			link.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("failed to create share link: %w", err)
		}

		for i, id := range link.DocumentIDs {
			_, err := tx.Exec(ctx, `INSERT INTO share_link_documents (token, document_id, position) VALUES ($1, $2, $3)`,
				link.Token, id, i)
			if err != nil {
				if isUniqueViolation(err) {
					return ErrConflict
				}
				return fmt.Errorf("failed to attach document: %w", err)
			}
		}
		return nil
	})
}

const shareLinkColumns = `token, pin, expires_at, max_downloads, download_count, COALESCE(personal_vault_id, ''),
	COALESCE(organization_id, ''), client_name, created_by, created_at`

func scanShareLink(row scanner) (*model.ShareLink, error) {
	var l model.ShareLink
	err := row.Scan(&l.Token, &l.PIN, &l.ExpiresAt, &l.MaxDownloads, &l.DownloadCount, &l.PersonalVaultID,
		&l.OrganizationID, &l.ClientName, &l.CreatedBy, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (p *postgres) linkDocumentIDs(ctx context.Context, token string) ([]string, error) {
	rows, err := p.db.Query(ctx, `SELECT document_id FROM share_link_documents WHERE token = $1 ORDER BY position`, token)
	if err != nil {
		return nil, fmt.Errorf("failed to list share link documents: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan share link documents: %w", err)
	}
	return ids, nil
}

// GetShareLink retrieves a share link and its bundled document ids.
func (p *postgres) GetShareLink(ctx context.Context, token string) (*model.ShareLink, error) {
	link, err := scanShareLink(p.db.QueryRow(ctx, `SELECT `+shareLinkColumns+` FROM share_links WHERE token = $1`, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get share link: %w", err)
	}
	if link.DocumentIDs, err = p.linkDocumentIDs(ctx, token); err != nil {
		return nil, err
	}
	return link, nil
}

// IncrementShareDownload consumes one download slot with a single conditional UPDATE.
// Two concurrent callers racing for the last slot cannot both match the predicate.
func (p *postgres) IncrementShareDownload(ctx context.Context, token string, now time.Time) (*model.ShareLink, error) {
	query := `UPDATE share_links l SET download_count = l.download_count + 1
	          WHERE l.token = $1 AND ` + activeLinkPredicate + `
	          RETURNING ` + shareLinkColumns
	link, err := scanShareLink(p.db.QueryRow(ctx, query, token, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := p.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM share_links WHERE token = $1)`, token).Scan(&exists); err != nil {
				return nil, fmt.Errorf("failed to check share link: %w", err)
			}
			if !exists {
				return nil, ErrNotFound
			}
			return nil, ErrConditionFailed
		}
		return nil, fmt.Errorf("failed to record download: %w", err)
	}
	if link.DocumentIDs, err = p.linkDocumentIDs(ctx, token); err != nil {
		return nil, err
	}
	return link, nil
}

// ExpireShareLink moves a link's expiry to at unless it already expires earlier.
func (p *postgres) ExpireShareLink(ctx context.Context, token string, at time.Time) error {
	result, err := p.db.Exec(ctx, `UPDATE share_links SET expires_at = $2
	                              WHERE token = $1 AND (expires_at IS NULL OR expires_at > $2)`, token, at)
	if err != nil {
		return fmt.Errorf("failed to expire share link: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM share_links WHERE token = $1)`, token).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check share link: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

// CreatePortal creates a new portal in the database
func (p *postgres) CreatePortal(ctx context.Context, portal model.Portal) error {
	query := `INSERT INTO portals (id, organization_id, client_name, client_email, pin, created_by, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := p.db.Exec(ctx, query,
		portal.ID,
		portal.OrganizationID,
		portal.ClientName,
		portal.ClientEmail,
		portal.PIN,
		portal.CreatedBy,
		portal.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create portal: %w", err)
	}
	return nil
}

// GetPortal retrieves a portal by ID
func (p *postgres) GetPortal(ctx context.Context, id string) (*model.Portal, error) {
	query := `SELECT id, organization_id, client_name, client_email, pin, created_by, created_at FROM portals WHERE id = $1`
	var portal model.Portal
	err := p.db.QueryRow(ctx, query, id).Scan(
		&portal.ID,
		&portal.OrganizationID,
		&portal.ClientName,
		&portal.ClientEmail,
		&portal.PIN,
		&portal.CreatedBy,
		&portal.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get portal: %w", err)
	}
	return &portal, nil
}

// CreatePortalRequest adds a request item to an existing portal.
func (p *postgres) CreatePortalRequest(ctx context.Context, req model.PortalRequest) error {
	query := `INSERT INTO portal_requests (id, portal_id, title, description, required, sort_order, due_date, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := p.db.Exec(ctx, query,
		req.ID,
		req.PortalID,
		req.Title,
		req.Description,
		req.Required,
		req.Order,
		req.DueDate,
		req.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return ErrConflict
			case "23503": // foreign_key_violation: portal does not exist
				return ErrNotFound
			}
		}
		return fmt.Errorf("failed to create portal request: %w", err)
	}
	return nil
}

// Request columns joined with the optional submission.
const requestColumns = `r.id, r.portal_id, r.title, r.description, r.required, r.sort_order, r.due_date, r.created_at,
	s.id, s.status, s.document_ids, s.revision, s.submitted_at, s.reviewed_at`

func scanRequest(row scanner) (*model.PortalRequest, error) {
	var (
		r           model.PortalRequest
		subID       *string
		status      *string
		documentIDs []string
		revision    *int
		submittedAt *time.Time
		reviewedAt  *time.Time
	)
	err := row.Scan(&r.ID, &r.PortalID, &r.Title, &r.Description, &r.Required, &r.Order, &r.DueDate, &r.CreatedAt,
		&subID, &status, &documentIDs, &revision, &submittedAt, &reviewedAt)
	if err != nil {
		return nil, err
	}
	if subID != nil {
		r.Submission = &model.PortalSubmission{
			ID:          *subID,
			RequestID:   r.ID,
			Status:      model.SubmissionStatus(*status),
			DocumentIDs: documentIDs,
			Revision:    *revision,
			SubmittedAt: *submittedAt,
			ReviewedAt:  reviewedAt,
		}
	}
	return &r, nil
}

// GetPortalRequest retrieves a request and its submission, if any.
func (p *postgres) GetPortalRequest(ctx context.Context, id string) (*model.PortalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM portal_requests r
	          LEFT JOIN portal_submissions s ON s.request_id = r.id
	          WHERE r.id = $1`
	req, err := scanRequest(p.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get portal request: %w", err)
	}
	return req, nil
}

// ListPortalRequests returns a portal's requests in display order.
func (p *postgres) ListPortalRequests(ctx context.Context, portalID string) ([]model.PortalRequest, error) {
	if _, err := p.GetPortal(ctx, portalID); err != nil {
		return nil, err
	}
	query := `SELECT ` + requestColumns + ` FROM portal_requests r
	          LEFT JOIN portal_submissions s ON s.request_id = r.id
	          WHERE r.portal_id = $1
	          ORDER BY r.sort_order, r.created_at, r.id`
	rows, err := p.db.Query(ctx, query, portalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list portal requests: %w", err)
	}
	defer rows.Close()

	reqs := make([]model.PortalRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan portal request: %w", err)
		}
		reqs = append(reqs, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate portal requests: %w", err)
	}
	return reqs, nil
}

// ListDueRequests returns unfulfilled requests due at or before horizon with the portal creator.
func (p *postgres) ListDueRequests(ctx context.Context, ownerID string, horizon time.Time) ([]model.DueRequest, error) {
	query := `SELECT ` + requestColumns + `, pt.created_by FROM portal_requests r
	          JOIN portals pt ON pt.id = r.portal_id
	          LEFT JOIN portal_submissions s ON s.request_id = r.id
	          WHERE s.id IS NULL
	            AND r.due_date IS NOT NULL AND r.due_date <= $2
	            AND ($1 = '' OR pt.created_by = $1)
	          ORDER BY r.id`
	rows, err := p.db.Query(ctx, query, ownerID, horizon)
	if err != nil {
		return nil, fmt.Errorf("failed to list due requests: %w", err)
	}
	defer rows.Close()

	due := make([]model.DueRequest, 0)
	for rows.Next() {
		var (
			r           model.PortalRequest
			subID       *string
			status      *string
			documentIDs []string
			revision    *int
			submittedAt *time.Time
			reviewedAt  *time.Time
			owner       string
		)
		err := rows.Scan(&r.ID, &r.PortalID, &r.Title, &r.Description, &r.Required, &r.Order, &r.DueDate, &r.CreatedAt,
			&subID, &status, &documentIDs, &revision, &submittedAt, &reviewedAt, &owner)
		if err != nil {
			return nil, fmt.Errorf("failed to scan due request: %w", err)
		}
		due = append(due, model.DueRequest{Request: r, OwnerID: owner})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate due requests: %w", err)
	}
	return due, nil
}

const submissionColumns = `id, request_id, status, document_ids, revision, submitted_at, reviewed_at`

func scanSubmission(row scanner) (*model.PortalSubmission, error) {
	var s model.PortalSubmission
	var status string
	if err := row.Scan(&s.ID, &s.RequestID, &status, &s.DocumentIDs, &s.Revision, &s.SubmittedAt, &s.ReviewedAt); err != nil {
		return nil, err
	}
	s.Status = model.SubmissionStatus(status)
	return &s, nil
}

// CreateSubmission inserts the first submission for a request. The unique
// request_id constraint turns a concurrent second submit into ErrConflict.
func (p *postgres) CreateSubmission(ctx context.Context, sub model.PortalSubmission) error {
	query := `INSERT INTO portal_submissions (` + submissionColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := p.db.Exec(ctx, query,
		sub.ID,
		sub.RequestID,
		string(sub.Status),
		sub.DocumentIDs,
		sub.Revision,
		sub.SubmittedAt,
		sub.ReviewedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return ErrConflict
			case "23503":
				return ErrNotFound
			}
		}
		return fmt.Errorf("failed to create submission: %w", err)
	}
	return nil
}

// GetSubmission retrieves a submission by ID
func (p *postgres) GetSubmission(ctx context.Context, id string) (*model.PortalSubmission, error) {
	sub, err := scanSubmission(p.db.QueryRow(ctx, `SELECT `+submissionColumns+` FROM portal_submissions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return sub, nil
}

// GetSubmissionByRequest retrieves the submission fulfilling a request.
func (p *postgres) GetSubmissionByRequest(ctx context.Context, requestID string) (*model.PortalSubmission, error) {
	sub, err := scanSubmission(p.db.QueryRow(ctx, `SELECT `+submissionColumns+` FROM portal_submissions WHERE request_id = $1`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return sub, nil
}

// UpdateSubmission writes sub only if the stored revision still equals expectedRevision.
func (p *postgres) UpdateSubmission(ctx context.Context, sub model.PortalSubmission, expectedRevision int) error {
	query := `UPDATE portal_submissions SET status = $1, document_ids = $2, revision = $3, submitted_at = $4, reviewed_at = $5
	          WHERE id = $6 AND revision = $7`
	result, err := p.db.Exec(ctx, query,
		string(sub.Status),
		sub.DocumentIDs,
		sub.Revision,
		sub.SubmittedAt,
		sub.ReviewedAt,
		sub.ID,
		expectedRevision)
	if err != nil {
		return fmt.Errorf("failed to update submission: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := p.GetSubmission(ctx, sub.ID); err != nil {
			return err
		}
		return ErrConditionFailed
	}
	return nil
}

// HasUnreadNotification reports whether an unread notification exists for the key.
func (p *postgres) HasUnreadNotification(ctx context.Context, userID, subjectType, subjectID string, category model.NotificationCategory) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM notifications
	          WHERE user_id = $1 AND subject_type = $2 AND subject_id = $3 AND category = $4 AND read = FALSE)`
	var exists bool
	if err := p.db.QueryRow(ctx, query, userID, subjectType, subjectID, string(category)).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check notification: %w", err)
	}
	return exists, nil
}

// CreateNotification inserts a notification; the partial unique index rejects unread duplicates.
func (p *postgres) CreateNotification(ctx context.Context, n model.Notification) error {
	query := `INSERT INTO notifications (id, user_id, category, subject_type, subject_id, title, read, created_at, read_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := p.db.Exec(ctx, query,
		n.ID,
		n.UserID,
		string(n.Category),
		n.SubjectType,
		n.SubjectID,
		n.Title,
		n.Read,
		n.CreatedAt,
		n.ReadAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

const notificationColumns = `id, user_id, category, subject_type, subject_id, title, read, created_at, read_at`

func scanNotification(row scanner) (*model.Notification, error) {
	var n model.Notification
	var category string
	if err := row.Scan(&n.ID, &n.UserID, &category, &n.SubjectType, &n.SubjectID, &n.Title, &n.Read, &n.CreatedAt, &n.ReadAt); err != nil {
		return nil, err
	}
	n.Category = model.NotificationCategory(category)
	return &n, nil
}

// GetNotification retrieves a notification by ID
func (p *postgres) GetNotification(ctx context.Context, id string) (*model.Notification, error) {
	n, err := scanNotification(p.db.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return n, nil
}

// ListNotifications returns a user's notifications, newest first.
func (p *postgres) ListNotifications(ctx context.Context, query model.NotificationQuery) ([]model.Notification, error) {
	sql := `SELECT ` + notificationColumns + ` FROM notifications
	        WHERE user_id = $1 AND (NOT $2 OR read = FALSE)
	        ORDER BY created_at DESC, id DESC
	        LIMIT $3 OFFSET $4`
	rows, err := p.db.Query(ctx, sql, query.UserID, query.UnreadOnly, query.Limit, query.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	list := make([]model.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		list = append(list, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notifications: %w", err)
	}
	return list, nil
}

// CountUnreadNotifications returns the number of unread notifications for a user.
func (p *postgres) CountUnreadNotifications(ctx context.Context, userID string) (int, error) {
	var count int
	err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND read = FALSE`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count notifications: %w", err)
	}
	return count, nil
}

// MarkNotificationRead marks one notification read; already-read notifications are left untouched.
func (p *postgres) MarkNotificationRead(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.Exec(ctx, `UPDATE notifications SET read = TRUE, read_at = $2 WHERE id = $1 AND read = FALSE`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := p.GetNotification(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// MarkAllNotificationsRead marks every unread notification of a user read.
func (p *postgres) MarkAllNotificationsRead(ctx context.Context, userID string, at time.Time) (int, error) {
	result, err := p.db.Exec(ctx, `UPDATE notifications SET read = TRUE, read_at = $2 WHERE user_id = $1 AND read = FALSE`, userID, at)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return int(result.RowsAffected()), nil
}

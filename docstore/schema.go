package docstore

import "database/sql"

// Schema holds every mirrored collection in a single table. ident is the
// canonical JSON of the identity query; fingerprint is the xxhash of body.
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
    id          INTEGER PRIMARY KEY,
    collection  TEXT NOT NULL,
    ident       TEXT NOT NULL,
    body        TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    updated_at  INTEGER NOT NULL,
    UNIQUE (collection, ident)
);
CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection, id);
`

// ApplySchema creates the documents table and its indexes.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

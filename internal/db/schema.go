package db

import "fmt"

// DefaultDimension is the embedding width of the default embedding model.
const DefaultDimension = 384

// schemaSQL defines the vector table. The HNSW index is rebuilt with the
// configured dimension, so the placeholder is filled by SchemaSQL.
const schemaSQL = `
    -- ==========================================================================
    -- VECTOR TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS vector SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS namespace ON vector TYPE string;
    DEFINE FIELD IF NOT EXISTS text ON vector TYPE string;
    DEFINE FIELD IF NOT EXISTS embedding ON vector TYPE array<float>;
    DEFINE FIELD IF NOT EXISTS metadata ON vector TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS created ON vector TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated ON vector TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS vector_namespace ON vector FIELDS namespace;
    DEFINE INDEX IF NOT EXISTS vector_embedding ON vector FIELDS embedding HNSW DIMENSION %d DIST COSINE TYPE F32;
`

// SchemaSQL returns the schema for embeddings of the given dimension.
func SchemaSQL(dimension int) string {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return fmt.Sprintf(schemaSQL, dimension)
}

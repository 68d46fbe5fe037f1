package metadata

// DDL for the engine's own metadata tables. Workspace record tables
// are created separately from the compiled schema's table plan; these
// tables only hold definitions and per-workspace versions.
const metadataDDL = `
CREATE TABLE IF NOT EXISTS metadata_workspace (
	id          text PRIMARY KEY,
	version     bigint NOT NULL DEFAULT 0,
	created_at  timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS metadata_object (
	id             uuid PRIMARY KEY,
	workspace_id   text NOT NULL REFERENCES metadata_workspace(id) ON DELETE CASCADE,
	name_singular  text NOT NULL,
	name_plural    text NOT NULL,
	is_custom      boolean NOT NULL DEFAULT false,
	is_system      boolean NOT NULL DEFAULT false,
	is_active      boolean NOT NULL DEFAULT true,
	created_at     timestamptz NOT NULL DEFAULT now(),
	updated_at     timestamptz NOT NULL DEFAULT now(),
	UNIQUE (workspace_id, name_singular),
	UNIQUE (workspace_id, name_plural)
);

CREATE TABLE IF NOT EXISTS metadata_field (
	id                  uuid PRIMARY KEY,
	object_metadata_id  uuid NOT NULL REFERENCES metadata_object(id) ON DELETE CASCADE,
	name                text NOT NULL,
	type                text NOT NULL,
	is_nullable         boolean NOT NULL DEFAULT false,
	is_unique           boolean NOT NULL DEFAULT false,
	is_system           boolean NOT NULL DEFAULT false,
	default_value       jsonb,
	options             jsonb,
	settings            jsonb,
	created_at          timestamptz NOT NULL DEFAULT now(),
	updated_at          timestamptz NOT NULL DEFAULT now(),
	UNIQUE (object_metadata_id, name)
);

CREATE TABLE IF NOT EXISTS metadata_relation (
	id                       uuid PRIMARY KEY,
	workspace_id             text NOT NULL REFERENCES metadata_workspace(id) ON DELETE CASCADE,
	kind                     text NOT NULL,
	from_object_metadata_id  uuid NOT NULL REFERENCES metadata_object(id) ON DELETE CASCADE,
	from_field_metadata_id   uuid NOT NULL,
	to_object_metadata_id    uuid NOT NULL REFERENCES metadata_object(id) ON DELETE CASCADE,
	to_field_metadata_id     uuid NOT NULL,
	on_delete                text NOT NULL,
	created_at               timestamptz NOT NULL DEFAULT now(),
	updated_at               timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_metadata_object_workspace ON metadata_object (workspace_id);
CREATE INDEX IF NOT EXISTS idx_metadata_relation_workspace ON metadata_relation (workspace_id);
`

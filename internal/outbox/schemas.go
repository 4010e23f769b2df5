package outbox

const activityRecordedSchema = `{
  "type": "object",
  "title": "ActivityRecorded",
  "properties": {
    "activity_id": {"type": "string", "minLength": 1},
    "user_id": {"type": "string", "minLength": 1},
    "kind": {"type": "string", "enum": ["walk", "run"]},
    "distance_miles": {"type": "number", "minimum": 0},
    "duration_seconds": {"type": "number", "exclusiveMinimum": 0},
    "cells_captured": {"type": "integer", "minimum": 0},
    "newly_captured": {"type": "integer", "minimum": 0},
    "stolen": {"type": "integer", "minimum": 0},
    "recorded_at": {"type": "string", "format": "date-time"}
  },
  "required": ["activity_id", "user_id", "kind", "distance_miles", "duration_seconds", "cells_captured", "newly_captured", "stolen", "recorded_at"],
  "additionalProperties": false
}`

const territoryStolenSchema = `{
  "type": "object",
  "title": "TerritoryStolen",
  "properties": {
    "activity_id": {"type": "string", "minLength": 1},
    "thief_id": {"type": "string", "minLength": 1},
    "victim_id": {"type": "string", "minLength": 1},
    "cell_ids": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "stolen_at": {"type": "string", "format": "date-time"}
  },
  "required": ["activity_id", "thief_id", "victim_id", "cell_ids", "stolen_at"],
  "additionalProperties": false
}`

const milestoneReachedSchema = `{
  "type": "object",
  "title": "MilestoneReached",
  "properties": {
    "user_id": {"type": "string", "minLength": 1},
    "milestone": {"type": "string"},
    "threshold": {"type": "integer", "minimum": 1},
    "total": {"type": "integer"},
    "activity_id": {"type": "string"},
    "reached_at": {"type": "string", "format": "date-time"}
  },
  "required": ["user_id", "milestone", "threshold", "total", "activity_id", "reached_at"],
  "additionalProperties": false
}`

const activityDeletedSchema = `{
  "type": "object",
  "title": "ActivityDeleted",
  "properties": {
    "activity_id": {"type": "string", "minLength": 1},
    "user_id": {"type": "string", "minLength": 1},
    "kind": {"type": "string", "enum": ["walk", "run"]},
    "released_cells": {"type": ["array", "null"], "items": {"type": "string"}},
    "distance_reverted": {"type": "number", "minimum": 0},
    "deleted_at": {"type": "string", "format": "date-time"}
  },
  "required": ["activity_id", "user_id", "kind", "released_cells", "distance_reverted", "deleted_at"],
  "additionalProperties": false
}`

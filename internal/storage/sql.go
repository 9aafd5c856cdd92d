package storage

import (
	_ "embed"
)

const (
	insertSessionSQL = `
INSERT INTO sessions (start_time,
                      vendor,
                      name,
                      serial_number,
                      device_type)
VALUES (?, ?, ?, ?, ?)`

	endSessionSQL = `
UPDATE sessions
SET end_time = ?
WHERE id = ?
  AND end_time IS NULL`

	closeOpenSessionsSQL = `
UPDATE sessions
SET end_time = ?
WHERE end_time IS NULL`

	selectSessionsSQL = `
SELECT id,
       start_time,
       end_time,
       vendor,
       name,
       serial_number,
       device_type
FROM sessions
ORDER BY id`

	insertFrameSQL = `
INSERT INTO frames (session_id,
                    timestamp,
                    channel,
                    time_s,
                    volts,
                    freq,
                    mag)
VALUES `

	selectFramesSQL = `
SELECT timestamp,
       channel,
       time_s,
       volts,
       freq,
       mag
FROM frames
WHERE session_id = ?
ORDER BY id`
)

//go:embed schema.sql
var schemaSQL string

package storage

const (
	insertRunSQL = `
	INSERT INTO runs (id, created_at, status, fingerprint, manifest, total)
	VALUES (?, ?, ?, ?, ?, ?)`

	selectRunForWriteSQL = `
	SELECT status, (SELECT COUNT(*) FROM results WHERE run_id = runs.id)
	FROM runs
	WHERE id = ?`

	insertResultSQL = `
	INSERT INTO results (
		run_id, idx, coordinate, baseline, integral,
		fault_reason, fault_message, attempts, measured_at, waveform
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	finalizeRunSQL = `
	UPDATE runs
	SET status = ?, finished_at = ?
	WHERE id = ? AND status = 'in_progress'`

	reopenRunSQL = `
	UPDATE runs
	SET status = 'in_progress', finished_at = NULL
	WHERE id = ? AND status = 'aborted'`

	selectRunSQL = `
	SELECT id, created_at, finished_at, status, fingerprint, manifest
	FROM runs
	WHERE id = ?`

	summaryColumnsSQL = `
	SELECT r.id, r.created_at, r.finished_at, r.status, r.fingerprint, r.total,
	       COUNT(res.idx),
	       COALESCE(SUM(CASE WHEN res.fault_reason IS NOT NULL THEN 1 ELSE 0 END), 0)
	FROM runs r
	LEFT JOIN results res ON res.run_id = r.id`

	selectRunSummarySQL = summaryColumnsSQL + `
	WHERE r.id = ?
	GROUP BY r.id`

	selectRunSummariesSQL = summaryColumnsSQL + `
	GROUP BY r.id
	ORDER BY r.created_at DESC, r.id`

	vacuumIntoSQL = `VACUUM INTO ?`

	selectResultsSQL = `
	SELECT idx, coordinate, baseline, integral, fault_reason, fault_message,
	       attempts, measured_at, %s
	FROM results
	WHERE run_id = ? AND idx >= ? %s
	ORDER BY idx`
)

package databases

// Close releases the underlying connection pool.
func (p *pgVector) Close() { p.pool.Close() }

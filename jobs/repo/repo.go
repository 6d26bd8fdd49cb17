package repo

import (
	"time"

	"github.com/rudderlabs/docqueue/internal/middleware/sqlquerywrapper"
	"github.com/rudderlabs/docqueue/utils/timeutil"
)

type repo struct {
	db  *sqlquerywrapper.DB
	now func() time.Time
}

type Opt func(*repo)

func WithNow(now func() time.Time) Opt {
	return func(r *repo) {
		r.now = now
	}
}

func newRepo(db *sqlquerywrapper.DB, opts ...Opt) *repo {
	r := &repo{
		db:  db,
		now: timeutil.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

package database

import (
	"sync"
)

// Facade aggregates the per-table facades behind a single accessor.
type Facade struct {
	job             JobFacadeInterface
	processingState ProcessingStateFacadeInterface
	rateLimit       RateLimitFacadeInterface
}

var (
	facade     *Facade
	facadeOnce sync.Once
)

// GetFacade returns the shared facade aggregate.
func GetFacade() *Facade {
	facadeOnce.Do(func() {
		facade = &Facade{
			job:             NewJobFacade(),
			processingState: NewProcessingStateFacade(),
			rateLimit:       NewRateLimitFacade(),
		}
	})
	return facade
}

func (f *Facade) GetJob() JobFacadeInterface {
	return f.job
}

func (f *Facade) GetProcessingState() ProcessingStateFacadeInterface {
	return f.processingState
}

func (f *Facade) GetRateLimit() RateLimitFacadeInterface {
	return f.rateLimit
}

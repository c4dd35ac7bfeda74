// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

// Package local is the "local" scheduler adaptor. Jobs run as child
// processes of the current process, queued by the jobqueue back-end.
package local

import (
	"context"

	"github.com/platform-engineering-labs/xenon-go/internal/log"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors/jobqueue"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors/localfs"
	"github.com/platform-engineering-labs/xenon-go/pkg/credential"
	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
)

// Name is the registered adaptor name.
const Name = "local"

const (
	PropMaxConcurrentJobs = "xenon.adaptors.schedulers.local.queue.multi.maxConcurrentJobs"
	PropPollingDelay      = "xenon.adaptors.schedulers.local.queue.pollingDelay"
)

// Adaptor opens local scheduler sessions.
type Adaptor struct{}

// New returns the local scheduler adaptor.
func New() *Adaptor { return &Adaptor{} }

func (*Adaptor) Description() adaptor.Description {
	return adaptor.Description{
		Name:                 Name,
		Kind:                 adaptor.KindScheduler,
		Description:          "The local adaptor runs jobs as processes on the local machine.",
		SupportedLocations:   []string{"(empty string)", "local://"},
		SupportedCredentials: []credential.Type{credential.TypeDefault},
		SupportedProperties: []adaptor.PropertyDescription{
			{
				Name:        PropMaxConcurrentJobs,
				Type:        adaptor.TypeNatural,
				Default:     "4",
				Description: "Number of jobs the multi queue runs at once.",
			},
			{
				Name:        PropPollingDelay,
				Type:        adaptor.TypeDuration,
				Default:     "50ms",
				Description: "How often job state is polled.",
			},
		},
		IsEmbedded:          true,
		SupportsBatch:       true,
		SupportsInteractive: true,
		UsesFileSystem:      true,
		FileSystemAdaptor:   localfs.Name,
	}
}

func (*Adaptor) ValidateLocation(location string) error {
	if adaptor.IsLocalLocation(location, Name) {
		return nil
	}
	return errdefs.Errorf(errdefs.InvalidLocation, "local adaptor only accepts local locations, got %q", location)
}

func (a *Adaptor) OpenScheduler(_ context.Context, location string, _ credential.Credential, props adaptor.Properties) (adaptor.SchedulerDriver, error) {
	if err := a.ValidateLocation(location); err != nil {
		return nil, err
	}
	logger := log.WithComponent("local")
	q := jobqueue.New(&launcher{logger: logger}, jobqueue.Config{
		Prefix:       Name,
		MultiSlots:   int(props.Int(PropMaxConcurrentJobs)),
		PollInterval: props.Duration(PropPollingDelay),
		Logger:       logger,
	})
	return &Scheduler{Scheduler: q}, nil
}

// Scheduler is a local scheduler session.
type Scheduler struct {
	*jobqueue.Scheduler
}

// FileSystem reports the local file system, where the jobs run.
func (s *Scheduler) FileSystem() (string, string, credential.Credential) {
	return localfs.Name, "", credential.Default{}
}

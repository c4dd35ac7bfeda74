// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

// Package ssh is the "ssh" scheduler adaptor: the local queues of the
// jobqueue back-end, with jobs running as commands on a remote machine.
package ssh

import (
	"context"

	"github.com/platform-engineering-labs/xenon-go/internal/log"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors/jobqueue"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors/sftpfs"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors/sshconn"
	"github.com/platform-engineering-labs/xenon-go/pkg/credential"
)

// Name is the registered adaptor name.
const Name = "ssh"

const (
	PropertyPrefix        = "xenon.adaptors.schedulers.ssh"
	PropMaxConcurrentJobs = PropertyPrefix + ".queue.multi.maxConcurrentJobs"
	PropPollingDelay      = PropertyPrefix + ".queue.pollingDelay"
)

// Adaptor opens ssh scheduler sessions.
type Adaptor struct{}

// New returns the ssh scheduler adaptor.
func New() *Adaptor { return &Adaptor{} }

func (*Adaptor) Description() adaptor.Description {
	props := append(sshconn.PropertyDescriptions(PropertyPrefix),
		adaptor.PropertyDescription{
			Name:        PropMaxConcurrentJobs,
			Type:        adaptor.TypeNatural,
			Default:     "4",
			Description: "Number of jobs the multi queue runs at once.",
		},
		adaptor.PropertyDescription{
			Name:        PropPollingDelay,
			Type:        adaptor.TypeDuration,
			Default:     "1s",
			Description: "How often job state is polled.",
		},
	)
	return adaptor.Description{
		Name:        Name,
		Kind:        adaptor.KindScheduler,
		Description: "The SSH adaptor runs jobs on a remote machine over SSH.",
		SupportedLocations: []string{
			"host[:port]",
			"ssh://host[:port]",
		},
		SupportedCredentials: []credential.Type{
			credential.TypeDefault,
			credential.TypePassword,
			credential.TypeCertificate,
			credential.TypeMap,
		},
		SupportedProperties: props,
		SupportsBatch:       true,
		SupportsInteractive: true,
		UsesFileSystem:      true,
		FileSystemAdaptor:   sftpfs.Name,
	}
}

func (*Adaptor) ValidateLocation(location string) error {
	_, err := sshconn.ParseTarget(location, Name)
	return err
}

func (a *Adaptor) OpenScheduler(ctx context.Context, location string, cred credential.Credential, props adaptor.Properties) (adaptor.SchedulerDriver, error) {
	target, err := sshconn.ParseTarget(location, Name)
	if err != nil {
		return nil, err
	}
	client, err := sshconn.Dial(ctx, target, cred, sshconn.OptionsFrom(props, PropertyPrefix))
	if err != nil {
		return nil, err
	}
	logger := log.WithComponent("ssh").With("host", target.Host)
	q := jobqueue.New(&launcher{client: client, logger: logger}, jobqueue.Config{
		Prefix:       Name,
		MultiSlots:   int(props.Int(PropMaxConcurrentJobs)),
		PollInterval: props.Duration(PropPollingDelay),
		Logger:       logger,
	})
	return &Scheduler{Scheduler: q, target: target, cred: cred}, nil
}

// Scheduler is an ssh scheduler session.
type Scheduler struct {
	*jobqueue.Scheduler
	target sshconn.Target
	cred   credential.Credential
}

// FileSystem points at the sftp server of the same host.
func (s *Scheduler) FileSystem() (string, string, credential.Credential) {
	return sftpfs.Name, s.target.Address(), s.cred
}

package service

import (
	"context"
	"time"

	"github.com/garyjia/approvalflow/internal/application/port"
	"github.com/garyjia/approvalflow/internal/domain/apperr"
	"github.com/garyjia/approvalflow/internal/domain/entity"
	"github.com/garyjia/approvalflow/internal/domain/event"
)

// DefinitionService manages the approval-flow templates instances are created from
type DefinitionService interface {
	Create(ctx context.Context, in CreateDefinitionInput) (entity.Definition, error)
	Revise(ctx context.Context, in ReviseDefinitionInput) (entity.Definition, error)
	Publish(ctx context.Context, in DefinitionCommand) (entity.Definition, error)
	Archive(ctx context.Context, in DefinitionCommand) (entity.Definition, error)
	Delete(ctx context.Context, in DefinitionCommand) error
	Get(ctx context.Context, tenant entity.TenantID, id entity.DefinitionID) (entity.Definition, error)
	List(ctx context.Context, tenant entity.TenantID, filter port.DefinitionFilter) ([]entity.Definition, error)
}

// CreateDefinitionInput carries a new Draft definition
type CreateDefinitionInput struct {
	Tenant      entity.TenantID
	Actor       entity.UserID
	Name        string
	Description string
	Body        entity.DefinitionBody
	Now         time.Time
}

// ReviseDefinitionInput replaces the content of a Draft definition
type ReviseDefinitionInput struct {
	Tenant          entity.TenantID
	Actor           entity.UserID
	DefinitionID    entity.DefinitionID
	ExpectedVersion entity.Version
	Name            string
	Description     string
	Body            entity.DefinitionBody
	Now             time.Time
}

// DefinitionCommand addresses a definition at the version the caller last saw
type DefinitionCommand struct {
	Tenant          entity.TenantID
	Actor           entity.UserID
	DefinitionID    entity.DefinitionID
	ExpectedVersion entity.Version
	Now             time.Time
}

type definitionServiceImpl struct {
	core
	repos port.Repositories
}

// NewDefinitionService creates a new DefinitionService
func NewDefinitionService(repos port.Repositories, publisher EventPublisher, logger Logger) DefinitionService {
	return &definitionServiceImpl{
		core:  newCore(publisher, logger),
		repos: repos,
	}
}

// Create stores a Draft definition with the tenant's next WD number
func (s *definitionServiceImpl) Create(ctx context.Context, in CreateDefinitionInput) (entity.Definition, error) {
	const op = "create definition"

	def, err := entity.NewDefinition(entity.DefinitionParams{
		Tenant:      in.Tenant,
		Name:        in.Name,
		Description: in.Description,
		Body:        in.Body,
		CreatedBy:   in.Actor,
	}, in.Now)
	if err != nil {
		return entity.Definition{}, s.fail(ctx, op, err)
	}

	err = s.repos.Tx.WithTransaction(ctx, in.Tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		n, err := s.repos.Sequences.Next(ctx, tx, entity.SequenceDefinition, in.Tenant.UUID())
		if err != nil {
			return err
		}
		if def, err = def.Numbered(n); err != nil {
			return err
		}
		return s.repos.Definitions.Insert(ctx, tx, def)
	})
	if err != nil {
		return entity.Definition{}, s.fail(ctx, op, err, "tenant_id", in.Tenant.String())
	}

	s.logger.Info("Definition created", "id", def.ID().String(), "display_id", def.DisplayID().String())
	s.publish(ctx, definitionEvent(event.TypeDefinitionCreated, def, in.Actor, in.Now))
	return s.Get(ctx, in.Tenant, def.ID())
}

// Revise replaces name, description and body of a Draft definition
func (s *definitionServiceImpl) Revise(ctx context.Context, in ReviseDefinitionInput) (entity.Definition, error) {
	return s.transition(ctx, "revise definition", event.TypeDefinitionRevised,
		DefinitionCommand{
			Tenant:          in.Tenant,
			Actor:           in.Actor,
			DefinitionID:    in.DefinitionID,
			ExpectedVersion: in.ExpectedVersion,
			Now:             in.Now,
		},
		func(def entity.Definition) (entity.Definition, error) {
			return def.Revise(in.Name, in.Description, in.Body, in.Now)
		})
}

// Publish freezes a Draft definition so instances can be created from it
func (s *definitionServiceImpl) Publish(ctx context.Context, in DefinitionCommand) (entity.Definition, error) {
	return s.transition(ctx, "publish definition", event.TypeDefinitionPublished, in,
		func(def entity.Definition) (entity.Definition, error) {
			return def.Publish(in.Now)
		})
}

// Archive retires a Published definition
func (s *definitionServiceImpl) Archive(ctx context.Context, in DefinitionCommand) (entity.Definition, error) {
	return s.transition(ctx, "archive definition", event.TypeDefinitionArchived, in,
		func(def entity.Definition) (entity.Definition, error) {
			return def.Archive(in.Now)
		})
}

func (s *definitionServiceImpl) transition(
	ctx context.Context,
	op string,
	eventType event.Type,
	in DefinitionCommand,
	apply func(entity.Definition) (entity.Definition, error),
) (entity.Definition, error) {
	def, err := s.load(ctx, in)
	if err != nil {
		return entity.Definition{}, s.fail(ctx, op, err, "definition_id", in.DefinitionID.String())
	}

	next, err := apply(def)
	if err != nil {
		return entity.Definition{}, s.fail(ctx, op, err, "definition_id", in.DefinitionID.String())
	}

	err = s.repos.Tx.WithTransaction(ctx, in.Tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		return s.repos.Definitions.UpdateWithVersionCheck(ctx, tx, next, def.Version())
	})
	if err != nil {
		return entity.Definition{}, s.fail(ctx, op, err, "definition_id", in.DefinitionID.String())
	}

	s.logger.Info("Definition updated", "id", next.ID().String(), "status", next.Status().String(),
		"version", int32(next.Version()))
	s.publish(ctx, definitionEvent(eventType, next, in.Actor, in.Now))
	return s.Get(ctx, in.Tenant, next.ID())
}

// Delete removes a Draft definition
func (s *definitionServiceImpl) Delete(ctx context.Context, in DefinitionCommand) error {
	const op = "delete definition"

	def, err := s.load(ctx, in)
	if err != nil {
		return s.fail(ctx, op, err, "definition_id", in.DefinitionID.String())
	}
	if err := def.CheckDeletable(); err != nil {
		return s.fail(ctx, op, err, "definition_id", in.DefinitionID.String())
	}

	err = s.repos.Tx.WithTransaction(ctx, in.Tenant, func(ctx context.Context, tx port.UnitOfWork) error {
		return s.repos.Definitions.Delete(ctx, tx, def.ID(), def.Version())
	})
	if err != nil {
		return s.fail(ctx, op, err, "definition_id", in.DefinitionID.String())
	}

	s.logger.Info("Definition deleted", "id", def.ID().String())
	s.publish(ctx, definitionEvent(event.TypeDefinitionDeleted, def, in.Actor, in.Now))
	return nil
}

// load reads the definition and checks the caller saw its current version
func (s *definitionServiceImpl) load(ctx context.Context, in DefinitionCommand) (entity.Definition, error) {
	def, err := s.repos.Definitions.FindByID(ctx, in.Tenant, in.DefinitionID)
	if err != nil {
		return entity.Definition{}, err
	}
	if def.Version() != in.ExpectedVersion {
		return entity.Definition{}, apperr.Conflictf("definition %s is at version %d, not %d",
			def.DisplayID(), def.Version(), in.ExpectedVersion)
	}
	return def, nil
}

// Get retrieves a definition of the tenant
func (s *definitionServiceImpl) Get(ctx context.Context, tenant entity.TenantID, id entity.DefinitionID) (entity.Definition, error) {
	def, err := s.repos.Definitions.FindByID(ctx, tenant, id)
	if err != nil {
		return entity.Definition{}, s.fail(ctx, "get definition", err, "definition_id", id.String())
	}
	return def, nil
}

// List returns the tenant's definitions, newest first
func (s *definitionServiceImpl) List(ctx context.Context, tenant entity.TenantID, filter port.DefinitionFilter) ([]entity.Definition, error) {
	defs, err := s.repos.Definitions.List(ctx, tenant, filter)
	if err != nil {
		return nil, s.fail(ctx, "list definitions", err, "tenant_id", tenant.String())
	}
	return defs, nil
}

func definitionEvent(t event.Type, def entity.Definition, actor entity.UserID, now time.Time) *event.Event {
	return event.NewEvent(t, event.Subject{
		TenantID:    def.TenantID().String(),
		AggregateID: def.ID().String(),
		DisplayID:   def.DisplayID().String(),
		Version:     int32(def.Version()),
	}, actor.String(), now, map[string]any{
		"name":   def.Name(),
		"status": def.Status().String(),
	})
}

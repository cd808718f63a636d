package core

import (
	"context"
	"encoding/json"
	"fmt"

	"pkt.systems/paneld/internal/logx"
	"pkt.systems/paneld/schema"
)

func (s *service) AddComponent(ctx context.Context, req schema.AddComponentRequest) (schema.AddComponentResponse, error) {
	userID, deviceType, err := normalizeTarget(req.UserID, req.DeviceType)
	if err != nil {
		return schema.AddComponentResponse{}, err
	}
	log := logx.WithUserDevice(ctx, userID, deviceType).With("tab", req.TabID)

	var placed schema.Component
	_, err = s.mutateConfig(ctx, userID, deviceType, func(cfg *schema.UserConfig) error {
		tab := cfg.Tab(req.TabID)
		if tab == nil {
			return schema.ErrTabNotFound
		}
		if tab.Kind != schema.TabDynamic {
			return fmt.Errorf("%w: components can only be placed on dynamic tabs", schema.ErrInvalidRequest)
		}
		position, err := s.registry.Place(req.Type, req.Position, s.cfg.GridColumns)
		if err != nil {
			return err
		}
		placed = schema.Component{
			ID:       schema.ComponentID(newID()),
			Type:     req.Type,
			Position: position,
			Props:    append(json.RawMessage(nil), req.Props...),
		}
		tab.Components = append(tab.Components, placed)
		return nil
	})
	if err != nil {
		log.Warn("service component add failed", "err", err)
		return schema.AddComponentResponse{}, err
	}
	log.Info("service component added", "component", placed.ID, "type", placed.Type)
	return schema.AddComponentResponse{Component: placed}, nil
}

func (s *service) MoveComponent(ctx context.Context, req schema.MoveComponentRequest) (schema.MoveComponentResponse, error) {
	userID, deviceType, err := normalizeTarget(req.UserID, req.DeviceType)
	if err != nil {
		return schema.MoveComponentResponse{}, err
	}
	log := logx.WithUserDevice(ctx, userID, deviceType).With("tab", req.TabID, "component", req.ComponentID)

	var moved schema.Component
	_, err = s.mutateConfig(ctx, userID, deviceType, func(cfg *schema.UserConfig) error {
		tab := cfg.Tab(req.TabID)
		if tab == nil {
			return schema.ErrTabNotFound
		}
		component := tab.Component(req.ComponentID)
		if component == nil {
			return schema.ErrComponentNotFound
		}
		position := req.Position
		if position.W == 0 {
			position.W = component.Position.W
		}
		if position.H == 0 {
			position.H = component.Position.H
		}
		placed, err := s.registry.Place(component.Type, position, s.cfg.GridColumns)
		if err != nil {
			return err
		}
		component.Position = placed
		moved = *component
		return nil
	})
	if err != nil {
		log.Warn("service component move failed", "err", err)
		return schema.MoveComponentResponse{}, err
	}
	log.Debug("service component moved", "x", moved.Position.X, "y", moved.Position.Y)
	return schema.MoveComponentResponse{Component: moved}, nil
}

func (s *service) ResizeComponent(ctx context.Context, req schema.ResizeComponentRequest) (schema.ResizeComponentResponse, error) {
	userID, deviceType, err := normalizeTarget(req.UserID, req.DeviceType)
	if err != nil {
		return schema.ResizeComponentResponse{}, err
	}
	log := logx.WithUserDevice(ctx, userID, deviceType).With("tab", req.TabID, "component", req.ComponentID)

	var resized schema.Component
	_, err = s.mutateConfig(ctx, userID, deviceType, func(cfg *schema.UserConfig) error {
		tab := cfg.Tab(req.TabID)
		if tab == nil {
			return schema.ErrTabNotFound
		}
		component := tab.Component(req.ComponentID)
		if component == nil {
			return schema.ErrComponentNotFound
		}
		position := component.Position
		position.W = req.W
		position.H = req.H
		placed, err := s.registry.Place(component.Type, position, s.cfg.GridColumns)
		if err != nil {
			return err
		}
		component.Position = placed
		resized = *component
		return nil
	})
	if err != nil {
		log.Warn("service component resize failed", "err", err)
		return schema.ResizeComponentResponse{}, err
	}
	log.Debug("service component resized", "w", resized.Position.W, "h", resized.Position.H)
	return schema.ResizeComponentResponse{Component: resized}, nil
}

func (s *service) RemoveComponent(ctx context.Context, req schema.RemoveComponentRequest) (schema.RemoveComponentResponse, error) {
	userID, deviceType, err := normalizeTarget(req.UserID, req.DeviceType)
	if err != nil {
		return schema.RemoveComponentResponse{}, err
	}
	log := logx.WithUserDevice(ctx, userID, deviceType).With("tab", req.TabID, "component", req.ComponentID)

	var removed schema.Component
	_, err = s.mutateConfig(ctx, userID, deviceType, func(cfg *schema.UserConfig) error {
		tab := cfg.Tab(req.TabID)
		if tab == nil {
			return schema.ErrTabNotFound
		}
		for i := range tab.Components {
			if tab.Components[i].ID == req.ComponentID {
				removed = tab.Components[i]
				tab.Components = append(tab.Components[:i], tab.Components[i+1:]...)
				return nil
			}
		}
		return schema.ErrComponentNotFound
	})
	if err != nil {
		log.Warn("service component remove failed", "err", err)
		return schema.RemoveComponentResponse{}, err
	}
	log.Info("service component removed", "type", removed.Type)
	return schema.RemoveComponentResponse{Component: removed}, nil
}

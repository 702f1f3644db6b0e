package api

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/fraud-monitor/internal/models"
)

// ViewToStruct maps a view onto a protobuf Struct using the same field names
// as the HTTP JSON payload.
func ViewToStruct(view models.View) (*structpb.Struct, error) {
	payload, err := json.Marshal(view)
	if err != nil {
		return nil, fmt.Errorf("encode view: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("decode view fields: %w", err)
	}
	return structpb.NewStruct(fields)
}

// StructToView is the inverse of ViewToStruct.
func StructToView(s *structpb.Struct) (models.View, error) {
	if s == nil {
		return models.View{}, fmt.Errorf("view message is nil")
	}
	payload, err := json.Marshal(s.AsMap())
	if err != nil {
		return models.View{}, fmt.Errorf("encode view fields: %w", err)
	}
	var view models.View
	if err := json.Unmarshal(payload, &view); err != nil {
		return models.View{}, fmt.Errorf("decode view: %w", err)
	}
	return view, nil
}

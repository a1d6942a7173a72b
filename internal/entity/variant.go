package entity

import (
	"encoding/json"
	"fmt"
)

// ProviderKind discriminates the provider dialect of a connection.
type ProviderKind string

const (
	ProviderOpenAI ProviderKind = "openai/v1"
	ProviderAzure  ProviderKind = "azure/openai"
	ProviderGemini ProviderKind = "gemini/v1beta"
)

// Supported Azure api-version values.
const (
	AzureVersion20240201      = "2024-02-01"
	AzureVersion20240601      = "2024-06-01"
	AzureEmbeddingsAPIVersion = "2024-10-21"
)

// ProviderVariant is the tagged provider addressing record stored on a
// connection. Fields are populated per kind:
//
//	openai/v1     — APIEndpoint, Model
//	azure/openai  — APIEndpoint, APIVersion, DeploymentName
//	gemini/v1beta — APIEndpoint, Model
type ProviderVariant struct {
	Kind           ProviderKind
	APIEndpoint    string
	APIVersion     string
	DeploymentName string
	Model          string
}

type variantJSON struct {
	Provider       ProviderKind `json:"provider"`
	APIEndpoint    string       `json:"api_endpoint"`
	APIVersion     string       `json:"api_version,omitempty"`
	DeploymentName string       `json:"deployment_name,omitempty"`
	Model          string       `json:"model,omitempty"`
}

func (v ProviderVariant) MarshalJSON() ([]byte, error) {
	return json.Marshal(variantJSON{
		Provider:       v.Kind,
		APIEndpoint:    v.APIEndpoint,
		APIVersion:     v.APIVersion,
		DeploymentName: v.DeploymentName,
		Model:          v.Model,
	})
}

func (v *ProviderVariant) UnmarshalJSON(data []byte) error {
	var raw variantJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Provider {
	case ProviderOpenAI, ProviderAzure, ProviderGemini:
	default:
		return fmt.Errorf("entity: unknown provider variant %q", raw.Provider)
	}
	*v = ProviderVariant{
		Kind:           raw.Provider,
		APIEndpoint:    raw.APIEndpoint,
		APIVersion:     raw.APIVersion,
		DeploymentName: raw.DeploymentName,
		Model:          raw.Model,
	}
	return nil
}

// Validate checks the per-kind required fields.
func (v ProviderVariant) Validate() error {
	if v.APIEndpoint == "" {
		return fmt.Errorf("entity: provider variant %q: api_endpoint is required", v.Kind)
	}
	switch v.Kind {
	case ProviderOpenAI, ProviderGemini:
		if v.Model == "" {
			return fmt.Errorf("entity: provider variant %q: model is required", v.Kind)
		}
	case ProviderAzure:
		if v.DeploymentName == "" {
			return fmt.Errorf("entity: provider variant %q: deployment_name is required", v.Kind)
		}
		switch v.APIVersion {
		case AzureVersion20240201, AzureVersion20240601:
		default:
			return fmt.Errorf("entity: unsupported azure api-version %q", v.APIVersion)
		}
	default:
		return fmt.Errorf("entity: unknown provider variant %q", v.Kind)
	}
	return nil
}

package catalog

import (
	"testing"

	"github.com/rakunlabs/relay/internal/config"
	"github.com/rakunlabs/relay/internal/domain"
)

func TestDefaultCatalogHasBuiltins(t *testing.T) {
	c := Default()

	for _, id := range []string{OpenAI, Anthropic, Gemini, Generic} {
		pt, ok := c[id]
		if !ok {
			t.Fatalf("Default() missing built-in provider type %q", id)
		}
		if pt.ID != id {
			t.Fatalf("provider type %q has ID %q", id, pt.ID)
		}
		if len(pt.SupportedAuthTypes) == 0 {
			t.Fatalf("provider type %q has no supported auth types", id)
		}
	}
}

func TestApplyOverlayOverridesExistingField(t *testing.T) {
	base := Default()

	overlays := map[string]config.ProviderTypeConfig{
		OpenAI: {
			BaseURL:      "https://proxy.internal/openai",
			DefaultModel: "gpt-4o-mini",
		},
	}

	merged := ApplyOverlay(base, overlays)

	if merged[OpenAI].BaseURL != "https://proxy.internal/openai" {
		t.Fatalf("BaseURL override not applied: %+v", merged[OpenAI])
	}
	if merged[OpenAI].DefaultModel != "gpt-4o-mini" {
		t.Fatalf("DefaultModel override not applied: %+v", merged[OpenAI])
	}
	// Fields not named in the overlay must be left untouched.
	if merged[OpenAI].DisplayName != "OpenAI" {
		t.Fatalf("unrelated field DisplayName was overwritten: %+v", merged[OpenAI])
	}
}

func TestApplyOverlayAddsNewProviderType(t *testing.T) {
	base := Default()

	overlays := map[string]config.ProviderTypeConfig{
		"custom_provider": {
			DisplayName: "Custom",
			BaseURL:     "https://custom.example.com/v1",
		},
	}

	merged := ApplyOverlay(base, overlays)

	pt, ok := merged["custom_provider"]
	if !ok {
		t.Fatal("ApplyOverlay should add a wholly new provider type declared only in config")
	}
	if pt.DisplayName != "Custom" || pt.BaseURL != "https://custom.example.com/v1" {
		t.Fatalf("new provider type fields not set: %+v", pt)
	}
}

func TestApplyOverlayMergesAuthConfigExtraParams(t *testing.T) {
	base := Default()

	overlays := map[string]config.ProviderTypeConfig{
		Gemini: {
			AuthConfigs: map[string]config.AuthConfigOverlay{
				domain.AuthTypeGoogleOAuth: {
					ClientID: "overridden-client-id",
					ExtraParams: map[string]string{
						"extra_flag": "1",
					},
				},
			},
		},
	}

	merged := ApplyOverlay(base, overlays)
	ac := merged[Gemini].AuthConfigs[domain.AuthTypeGoogleOAuth]

	if ac.ClientID != "overridden-client-id" {
		t.Fatalf("ClientID override not applied: %+v", ac)
	}
	// select_account from the built-in catalog must survive alongside the
	// newly merged extra_flag rather than being replaced wholesale.
	if ac.ExtraParams["prompt"] != "select_account" {
		t.Fatalf("existing extra_params entries should be preserved on merge: %+v", ac.ExtraParams)
	}
	if ac.ExtraParams["extra_flag"] != "1" {
		t.Fatalf("new extra_params entry should be added: %+v", ac.ExtraParams)
	}
}

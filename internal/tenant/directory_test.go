package tenant

import (
	"testing"

	"portal-auth/internal/model"
)

func TestResolveMappedDomains(t *testing.T) {
	d := NewDirectory()

	tests := []struct {
		email      string
		portalType model.PortalType
		company    string
	}{
		{"alice@koniku.co", model.PortalCustomer, "koniku"},
		{"alice@koniku.com", model.PortalCustomer, "koniku"},
		{"bob@anduril.com", model.PortalCustomer, "anduril"},
		{"carol@glidtech.com", model.PortalCustomer, "glid"},
		{"carol@glid.io", model.PortalCustomer, "glid"},
		{"dave@machindustries.com", model.PortalCustomer, "mach"},
		{"dave@mach.industries", model.PortalCustomer, "mach"},
		{"erin@terrahaptix.com", model.PortalCustomer, "terrahaptix"},
		{"frank@amd.com", model.PortalPartner, "amd"},
		{"grace@lolavisionsystems.com", model.PortalFounder, "lvs"},
	}

	for _, tt := range tests {
		snap := d.Resolve(tt.email)
		if snap.PortalType != tt.portalType {
			t.Errorf("Resolve(%q) portal = %q, want %q", tt.email, snap.PortalType, tt.portalType)
		}
		if snap.Company != tt.company {
			t.Errorf("Resolve(%q) company = %q, want %q", tt.email, snap.Company, tt.company)
		}
	}
}

func TestResolveUnknownDomainDefaultsToInvestor(t *testing.T) {
	d := NewDirectory()

	snap := d.Resolve("someone@sequoia.com")
	if snap.PortalType != model.PortalInvestor {
		t.Fatalf("portal = %q, want investor", snap.PortalType)
	}
	if snap.Company != "sequoia" {
		t.Fatalf("company = %q, want sequoia", snap.Company)
	}
}

func TestResolveIsCaseInsensitive(t *testing.T) {
	d := NewDirectory()

	snap := d.Resolve("Alice@KONIKU.CO")
	if snap.PortalType != model.PortalCustomer {
		t.Fatalf("portal = %q, want customer", snap.PortalType)
	}
}

func TestPortalURL(t *testing.T) {
	d := NewDirectory()

	tests := []struct {
		name    string
		snap    model.TenantSnapshot
		allowed bool
		want    string
	}{
		{"investor", model.TenantSnapshot{PortalType: model.PortalInvestor}, true, "dashboard.html"},
		{"founder", model.TenantSnapshot{PortalType: model.PortalFounder}, true, "founder-portal.html"},
		{"anduril", model.TenantSnapshot{PortalType: model.PortalCustomer, Company: "anduril"}, true, "customer-portal-mockup.html"},
		{"koniku", model.TenantSnapshot{PortalType: model.PortalCustomer, Company: "koniku"}, true, "koniku-portal.html"},
		{"amd", model.TenantSnapshot{PortalType: model.PortalPartner, Company: "amd"}, true, "partner-portal.html?partner=amd"},
		{"unknown customer", model.TenantSnapshot{PortalType: model.PortalCustomer, Company: "acme"}, true, "dashboard.html"},
		{"denied customer", model.TenantSnapshot{PortalType: model.PortalCustomer, Company: "anduril"}, false, PendingApprovalPage},
		{"denied partner", model.TenantSnapshot{PortalType: model.PortalPartner, Company: "amd"}, false, PendingApprovalPage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.PortalURL(tt.snap, tt.allowed); got != tt.want {
				t.Errorf("PortalURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequiresNDA(t *testing.T) {
	d := NewDirectory()

	if d.RequiresNDA(model.PortalFounder) {
		t.Error("founder should be exempt")
	}
	if d.RequiresNDA(model.PortalInvestor) {
		t.Error("investor should be exempt")
	}
	if !d.RequiresNDA(model.PortalCustomer) {
		t.Error("customer should be gated")
	}
	if !d.RequiresNDA(model.PortalPartner) {
		t.Error("partner should be gated")
	}
}

package tenant

import (
	"strings"

	"portal-auth/internal/model"
	"portal-auth/internal/util"
)

// Directory maps email domains to portal routing info. The table is
// static; unmapped domains route to the investor portal with the company
// derived from the domain label.
type Directory struct {
	domains    map[string]model.TenantSnapshot
	portalURLs map[model.PortalType]string
	customer   map[string]string
	partner    map[string]string
}

// PendingApprovalPage is returned instead of the portal URL whenever the
// access gate denies a login.
const PendingApprovalPage = "nda-pending.html"

func NewDirectory() *Directory {
	return &Directory{
		domains: map[string]model.TenantSnapshot{
			"koniku.co":             {PortalType: model.PortalCustomer, Company: "koniku", DisplayName: "Koniku"},
			"koniku.com":            {PortalType: model.PortalCustomer, Company: "koniku", DisplayName: "Koniku"},
			"anduril.com":           {PortalType: model.PortalCustomer, Company: "anduril", DisplayName: "Anduril Industries"},
			"glidtech.com":          {PortalType: model.PortalCustomer, Company: "glid", DisplayName: "Glid Technologies"},
			"glid.io":               {PortalType: model.PortalCustomer, Company: "glid", DisplayName: "Glid Technologies"},
			"machindustries.com":    {PortalType: model.PortalCustomer, Company: "mach", DisplayName: "Mach Industries"},
			"mach.industries":       {PortalType: model.PortalCustomer, Company: "mach", DisplayName: "Mach Industries"},
			"terrahaptix.com":       {PortalType: model.PortalCustomer, Company: "terrahaptix", DisplayName: "Terrahaptix"},
			"revenant.com":          {PortalType: model.PortalCustomer, Company: "revenant", DisplayName: "Revenant Industries"},
			"seasats.com":           {PortalType: model.PortalCustomer, Company: "seasats", DisplayName: "Seasats"},
			"amd.com":               {PortalType: model.PortalPartner, Company: "amd", DisplayName: "AMD"},
			"lolavisionsystems.com": {PortalType: model.PortalFounder, Company: "lvs", DisplayName: "Lola Vision Systems"},
		},
		portalURLs: map[model.PortalType]string{
			model.PortalInvestor: "dashboard.html",
			model.PortalFounder:  "founder-portal.html",
		},
		customer: map[string]string{
			"anduril":     "customer-portal-mockup.html",
			"koniku":      "koniku-portal.html",
			"glid":        "glid-portal.html",
			"mach":        "mach-portal.html",
			"terrahaptix": "terrahaptix-portal.html",
			"revenant":    "dashboard.html",
			"seasats":     "dashboard.html",
		},
		partner: map[string]string{
			"amd": "partner-portal.html?partner=amd",
		},
	}
}

// Resolve computes the tenant snapshot for an email. Unknown domains
// default to the least-privileged investor classification.
func (d *Directory) Resolve(email string) model.TenantSnapshot {
	domain := util.EmailDomain(email)
	if snap, ok := d.domains[domain]; ok {
		return snap
	}
	company := domain
	if dot := strings.Index(domain, "."); dot > 0 {
		company = domain[:dot]
	}
	return model.TenantSnapshot{
		PortalType:  model.PortalInvestor,
		Company:     company,
		DisplayName: "Investor",
	}
}

// PortalURL returns the landing page for a tenant. allowed=false always
// routes to the pending-approval page regardless of classification.
func (d *Directory) PortalURL(snap model.TenantSnapshot, allowed bool) string {
	if !allowed {
		return PendingApprovalPage
	}
	switch snap.PortalType {
	case model.PortalCustomer:
		if url, ok := d.customer[snap.Company]; ok {
			return url
		}
		return "dashboard.html"
	case model.PortalPartner:
		if url, ok := d.partner[snap.Company]; ok {
			return url
		}
		return "dashboard.html"
	default:
		if url, ok := d.portalURLs[snap.PortalType]; ok {
			return url
		}
		return "dashboard.html"
	}
}

// RequiresNDA reports whether the portal type is gated by an NDA
// approval. Founders and investors are permanently exempt.
func (d *Directory) RequiresNDA(portalType model.PortalType) bool {
	switch portalType {
	case model.PortalFounder, model.PortalInvestor:
		return false
	default:
		return true
	}
}

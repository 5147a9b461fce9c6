package schedule

import "fmt"

// ERPKind tags which ERP adapter a setting talks to.
type ERPKind string

const (
	ERPKonsist   ERPKind = "konsist"
	ERPProDoctor ERPKind = "prodoctor"
	ERPDrMobile  ERPKind = "drmobile"
	ERPManager   ERPKind = "manager"
	ERPGeneric   ERPKind = "generic"
)

// KonsistParams are the filters understood by Konsist-style adapters.
type KonsistParams struct {
	ClinicCode   string   `yaml:"clinic_code" json:"clinic_code"`
	UnitCodes    []string `yaml:"unit_codes,omitempty" json:"unit_codes,omitempty"`
	StatusFilter []string `yaml:"status_filter,omitempty" json:"status_filter,omitempty"`
}

// ProDoctorParams are the filters understood by ProDoctor-style adapters.
type ProDoctorParams struct {
	Login          string  `yaml:"login" json:"login"`
	LocalCodes     []int64 `yaml:"local_codes,omitempty" json:"local_codes,omitempty"`
	ProfessionalID []int64 `yaml:"professional_ids,omitempty" json:"professional_ids,omitempty"`
}

// DrMobileParams are the filters understood by DrMobile-style adapters.
type DrMobileParams struct {
	CompanyID string `yaml:"company_id" json:"company_id"`
	AgendaID  string `yaml:"agenda_id,omitempty" json:"agenda_id,omitempty"`
}

// ManagerParams are the filters understood by Manager-style adapters.
type ManagerParams struct {
	BaseURL     string   `yaml:"base_url" json:"base_url"`
	BranchCodes []string `yaml:"branch_codes,omitempty" json:"branch_codes,omitempty"`
}

// ERPParams is a tagged variant: Kind selects which of the typed blocks is meaningful.
// Extra carries arbitrary key-value pairs for adapters not modelled here.
type ERPParams struct {
	Kind      ERPKind           `yaml:"kind" json:"kind"`
	Konsist   *KonsistParams    `yaml:"konsist,omitempty" json:"konsist,omitempty"`
	ProDoctor *ProDoctorParams  `yaml:"prodoctor,omitempty" json:"prodoctor,omitempty"`
	DrMobile  *DrMobileParams   `yaml:"drmobile,omitempty" json:"drmobile,omitempty"`
	Manager   *ManagerParams    `yaml:"manager,omitempty" json:"manager,omitempty"`
	Extra     map[string]string `yaml:"extra,omitempty" json:"extra,omitempty"`
}

// Validate ensures the block matching Kind is present and no other block is set.
func (p ERPParams) Validate() error {
	set := map[ERPKind]bool{
		ERPKonsist:   p.Konsist != nil,
		ERPProDoctor: p.ProDoctor != nil,
		ERPDrMobile:  p.DrMobile != nil,
		ERPManager:   p.Manager != nil,
	}
	switch p.Kind {
	case ERPKonsist, ERPProDoctor, ERPDrMobile, ERPManager:
		if !set[p.Kind] {
			return ErrInvalidSetting(fmt.Sprintf("erp kind %s requires a %s block", p.Kind, p.Kind))
		}
	case ERPGeneric, "":
	default:
		return ErrInvalidSetting("unknown erp kind " + string(p.Kind))
	}
	for kind, present := range set {
		if present && kind != p.Kind {
			return ErrInvalidSetting(fmt.Sprintf("erp block %s does not match kind %q", kind, p.Kind))
		}
	}
	return nil
}

// EffectiveKind treats an empty kind as generic.
func (p ERPParams) EffectiveKind() ERPKind {
	if p.Kind == "" {
		return ERPGeneric
	}
	return p.Kind
}

// Filters flattens the typed block plus Extra into key-value filters for SQL-style adapters.
func (p ERPParams) Filters() map[string]string {
	out := make(map[string]string, len(p.Extra)+2)
	switch p.EffectiveKind() {
	case ERPKonsist:
		out["clinic_code"] = p.Konsist.ClinicCode
	case ERPProDoctor:
		out["login"] = p.ProDoctor.Login
	case ERPDrMobile:
		out["company_id"] = p.DrMobile.CompanyID
		if p.DrMobile.AgendaID != "" {
			out["agenda_id"] = p.DrMobile.AgendaID
		}
	case ERPManager:
		out["base_url"] = p.Manager.BaseURL
	}
	for k, v := range p.Extra {
		out[k] = v
	}
	return out
}

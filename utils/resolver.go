package utils

import (
	"strings"

	"gorm.io/gorm"

	"rentnest/models"
)

// RecipientResolver turns a filter and/or an explicit id list into a
// deduplicated set of candidate recipients.
type RecipientResolver struct {
	DB *gorm.DB
}

func NewRecipientResolver(db *gorm.DB) *RecipientResolver {
	return &RecipientResolver{DB: db}
}

// Resolve unions filter matches with explicit ids, dedupes by user id and
// excludes the requester. Only active users are candidates at resolve time.
// The result is ordered: filter matches by id, then explicit ids in request
// order.
func (r *RecipientResolver) Resolve(filter *models.RecipientFilter, explicitIDs []uint, excludeID uint) ([]models.User, error) {
	var matched []models.User
	if filter != nil {
		query := r.DB.Model(&models.User{}).Where("users.is_active = ?", true)

		if len(filter.Roles) > 0 {
			query = query.Where("users.role IN ?", filter.Roles)
		}
		if len(filter.PropertyIDs) > 0 || len(filter.LeaseStatuses) > 0 {
			sub := r.DB.Model(&models.Lease{}).
				Select("leases.user_id").
				Joins("JOIN units ON units.id = leases.unit_id")
			if len(filter.PropertyIDs) > 0 {
				sub = sub.Where("units.property_id IN ?", filter.PropertyIDs)
			}
			if len(filter.LeaseStatuses) > 0 {
				sub = sub.Where("leases.status IN ?", filter.LeaseStatuses)
			}
			query = query.Where("users.id IN (?)", sub)
		}
		if search := strings.TrimSpace(filter.Search); search != "" {
			like := "%" + strings.ToLower(search) + "%"
			query = query.Where(
				"LOWER(users.username) LIKE ? OR LOWER(users.first_name) LIKE ? OR LOWER(users.last_name) LIKE ? OR LOWER(users.email) LIKE ?",
				like, like, like, like,
			)
		}

		if err := query.Order("users.id ASC").Find(&matched).Error; err != nil {
			return nil, err
		}
	}

	var explicit []models.User
	if len(explicitIDs) > 0 {
		var byID []models.User
		if err := r.DB.Where("id IN ? AND is_active = ?", explicitIDs, true).Find(&byID).Error; err != nil {
			return nil, err
		}
		index := make(map[uint]models.User, len(byID))
		for _, u := range byID {
			index[u.ID] = u
		}
		// preserve the caller's ordering
		for _, id := range explicitIDs {
			if u, ok := index[id]; ok {
				explicit = append(explicit, u)
			}
		}
	}

	seen := make(map[uint]bool)
	recipients := make([]models.User, 0, len(matched)+len(explicit))
	for _, u := range append(matched, explicit...) {
		if u.ID == excludeID || seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		recipients = append(recipients, u)
	}

	return recipients, nil
}

// MergeVariablesFor derives the per-recipient merge variables from the user's
// lease, preferring an active lease and falling back to the most recent one.
// Users without a lease get empty property and unit names.
func (r *RecipientResolver) MergeVariablesFor(user *models.User) (map[string]string, error) {
	vars := map[string]string{
		MergeFieldUsername: user.Username,
		MergeFieldFullName: user.FullName(),
		MergeFieldProperty: "",
		MergeFieldUnit:     "",
	}

	var lease models.Lease
	err := r.DB.Where("user_id = ? AND status = ?", user.ID, models.LeaseStatusActive).
		Preload("Unit.Property").
		Order("created_at DESC").
		First(&lease).Error
	if err == gorm.ErrRecordNotFound {
		err = r.DB.Where("user_id = ?", user.ID).
			Preload("Unit.Property").
			Order("created_at DESC").
			First(&lease).Error
	}
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return vars, nil
		}
		return nil, err
	}

	vars[MergeFieldProperty] = lease.Unit.Property.Name
	vars[MergeFieldUnit] = lease.Unit.Name
	return vars, nil
}

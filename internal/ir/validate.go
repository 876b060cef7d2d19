package ir

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report errors against the pkl field names users wrote, not Go names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := fld.Tag.Get("pkl")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate fails fast on invalid configurations, naming the offending field.
// It runs before any planning; no partial plan is ever produced from a
// config that fails here.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fe := verrs[0]
			return fmt.Errorf("invalid configuration: field %q failed %q validation", fieldPath(fe), fe.Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return c.validateCrossField()
}

// validateCrossField covers the combinations struct tags cannot express.
func (c *Config) validateCrossField() error {
	cl := c.Cluster

	if cl.ClusterIdentifier == "" && cl.ClusterIdentifierPrefix == "" {
		return fmt.Errorf("invalid configuration: one of %q or %q must be set", "clusterIdentifier", "clusterIdentifierPrefix")
	}
	if !cl.SkipFinalSnapshot && cl.FinalSnapshotIdentifierPrefix == "" {
		return fmt.Errorf("invalid configuration: field %q is required when skipFinalSnapshot is false", "finalSnapshotIdentifierPrefix")
	}
	if cl.MasterPassword != "" && cl.ManageMasterUserPassword {
		return fmt.Errorf("invalid configuration: field %q must be empty when manageMasterUserPassword is set", "masterPassword")
	}
	if cl.Iops > 0 && cl.StorageType == "" {
		return fmt.Errorf("invalid configuration: field %q is required when iops is set", "storageType")
	}
	if r := cl.RestoreToPointInTime; r != nil {
		if r.RestoreToTime != "" && r.UseLatestRestorableTime {
			return fmt.Errorf("invalid configuration: field %q must be empty when useLatestRestorableTime is set", "restoreToTime")
		}
	}
	if m := c.Monitoring; m != nil {
		if m.CreateRole && m.RoleArn != "" {
			return fmt.Errorf("invalid configuration: field %q must be empty when createRole is set", "roleArn")
		}
		if !m.CreateRole && m.Interval > 0 && m.RoleArn == "" {
			return fmt.Errorf("invalid configuration: field %q is required when monitoring is enabled without createRole", "roleArn")
		}
	}
	return nil
}

// fieldPath renders a validator namespace like "Config.cluster.engine" as the
// pkl path users recognize.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package activation

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/AleutianAI/patchloader/services/loader/installer"
)

// Rollback uninstalls the kinds res reports as installed, newest first.
//
// # Description
//
// Meant for the caller of a Run that returned an *InstallError. Every kind
// is attempted even if an earlier uninstall fails; failures are combined.
func Rollback(ctx context.Context, res *Result, installers installer.Set) error {
	if res == nil {
		return nil
	}
	var errs error
	for i := len(res.Installed) - 1; i >= 0; i-- {
		k := res.Installed[i]
		inst := installers[k.Kind]
		if inst == nil {
			errs = multierr.Append(errs, fmt.Errorf("rolling back %s: %w", k.Kind, installer.ErrNoStrategy))
			continue
		}
		if err := inst.Uninstall(ctx, len(k.Paths)); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("rolling back %s: %w", k.Kind, err))
		}
	}
	return errs
}

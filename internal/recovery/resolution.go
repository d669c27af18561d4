package recovery

import "fmt"

// DetermineResolution applies the fixed resolution table to me and attaches
// the result. The delay for a retry is filled in from backoff.
func DetermineResolution(me *MigrationError, backoff Backoff) Resolution {
	var r Resolution

	switch me.Type {
	case TypeNetwork:
		if me.RetryCount < me.MaxRetries {
			r = Resolution{
				Action: ActionRetry,
				Reason: fmt.Sprintf("transient network failure, retry %d of %d", me.RetryCount+1, me.MaxRetries),
				Delay:  backoff.Delay(me.RetryCount),
			}
		} else {
			r = Resolution{
				Action: ActionHalt,
				Reason: fmt.Sprintf("network failure persisted after %d retries", me.RetryCount),
				ManualSteps: []string{
					"Check connectivity to the source and destination databases",
					"Verify connection pool limits and database availability",
					"Resume the run once connectivity is restored",
				},
			}
		}

	case TypeDataIntegrity:
		r = Resolution{
			Action: ActionHalt,
			Reason: "data integrity violation requires review before continuing",
			ManualSteps: []string{
				"Inspect the failing records for duplicate or orphaned keys",
				"Verify that dependent entities were migrated first",
				"Correct the source data or mapping, then resume the run",
			},
		}

	case TypeSchemaMismatch:
		r = Resolution{
			Action: ActionHalt,
			Reason: "source and destination schemas do not match",
			ManualSteps: []string{
				"Compare the entity column list with the destination table definition",
				"Apply the missing destination migration or fix the entity mapping",
				"Resume the run after the schema is aligned",
			},
		}

	case TypeValidation:
		if me.Severity == SeverityLow || me.Severity == SeverityMedium {
			r = Resolution{Action: ActionSkip, Reason: "record failed validation, skipped"}
		} else {
			r = Resolution{
				Action: ActionHalt,
				Reason: "validation failure too severe to skip",
				ManualSteps: []string{
					"Re-run sampled validation for the entity",
					"Investigate the mismatching records before resuming",
				},
			}
		}

	case TypeSystem:
		if me.MemoryRelated && me.RetryCount < me.MaxRetries {
			r = Resolution{
				Action:      ActionRetry,
				Reason:      "memory pressure, retrying with a reduced batch size",
				Delay:       backoff.Delay(me.RetryCount),
				ReduceBatch: true,
			}
		} else {
			r = Resolution{
				Action: ActionHalt,
				Reason: "unrecoverable system error",
				ManualSteps: []string{
					"Check host resources and engine logs",
					"Lower migration.batch_size or parallel_entity_limit if memory is constrained",
				},
			}
		}

	case TypeBusinessRule:
		r = Resolution{Action: ActionSkip, Reason: "business rule rejected the record, logged and skipped"}

	default:
		r = Resolution{Action: ActionHalt, Reason: "unclassified failure"}
	}

	me.Resolution = &r
	return r
}

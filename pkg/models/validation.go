// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package models

import (
	"fmt"
	"regexp"
)

// ValidationError represents a validation error with a path and message
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error at path '%s': %s", e.Path, e.Message)
}

// Engine entry identifiers start with a letter and stay within the
// character set the engine accepts for entry lookup.
var entryRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]*$`)

// ValidateBatch validates a task batch before the registry accepts it:
// 1. The batch contains at least one task
// 2. Every task names a resource path for the engine binding
// 3. Every task carries at least one sub-task
// 4. Every sub-task has a name and a well-formed entry identifier
//
// Returns all violations rather than stopping at the first, so API callers
// can fix a submission in one round trip.
func ValidateBatch(tasks []Task) []ValidationError {
	if len(tasks) == 0 {
		return []ValidationError{{Path: "tasks", Message: "batch must contain at least one task"}}
	}

	var errors []ValidationError

	for i, task := range tasks {
		errors = append(errors, validateTask(fmt.Sprintf("tasks[%d]", i), task)...)
	}

	return errors
}

func validateTask(path string, task Task) []ValidationError {
	var errors []ValidationError

	if task.ResourcePath == "" {
		errors = append(errors, ValidationError{
			Path:    path + ".resourcePath",
			Message: "resource path must not be empty",
		})
	}

	if len(task.SubTasks) == 0 {
		errors = append(errors, ValidationError{
			Path:    path + ".subTasks",
			Message: "task must contain at least one sub-task",
		})
	}

	for i, sub := range task.SubTasks {
		subPath := fmt.Sprintf("%s.subTasks[%d]", path, i)

		if sub.Name == "" {
			errors = append(errors, ValidationError{
				Path:    subPath + ".name",
				Message: "sub-task name must not be empty",
			})
		}

		if sub.Entry == "" {
			errors = append(errors, ValidationError{
				Path:    subPath + ".entry",
				Message: "sub-task entry must not be empty",
			})
		} else if !entryRegex.MatchString(sub.Entry) {
			errors = append(errors, ValidationError{
				Path:    subPath + ".entry",
				Message: fmt.Sprintf("entry '%s' is not a valid engine entry identifier", sub.Entry),
			})
		}
	}

	return errors
}

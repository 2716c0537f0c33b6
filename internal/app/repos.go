package app

import (
	"gorm.io/gorm"

	"github.com/terralith/geoetl-backend/internal/data/repos"
	"github.com/terralith/geoetl-backend/internal/platform/logger"
)

type Repos struct {
	Jobs  repos.JobRepo
	Tasks repos.TaskRepo
}

func wireRepos(db func() *gorm.DB, log *logger.Logger) Repos {
	return Repos{
		Jobs:  repos.NewJobRepo(db, log),
		Tasks: repos.NewTaskRepo(db, log),
	}
}

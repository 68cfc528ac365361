package services

type HealthServiceImpl struct{}

func NewHealthService() *HealthServiceImpl {
	return &HealthServiceImpl{}
}

func (s *HealthServiceImpl) Get() error {
	return nil
}
